package quote

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"storefront/internal/failure"
)

const bpsDenominator = 10000

// Request 为一次询价请求。
type Request struct {
	ChainID  uint64
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	// GasPrice 为每单位 gas 的原生资产价格，为空时不扣除 gas 成本。
	GasPrice *big.Int
	// NativeToOutput 为每个原生资产最小单位可兑换的输出资产数量，
	// 输入资产不是原生资产时用于折算 gas 成本。
	NativeToOutput *big.Rat
	// InputIsNative 表示 TokenIn 为链原生资产。
	InputIsNative bool
}

// Validate 校验请求字段。
func (r Request) Validate() error {
	if r.ChainID == 0 {
		return fmt.Errorf("quote: chain_id 不能为空")
	}
	if r.AmountIn == nil || r.AmountIn.Sign() <= 0 {
		return fmt.Errorf("quote: amount_in 必须为正")
	}
	if r.TokenIn == r.TokenOut {
		return fmt.Errorf("quote: 输入输出资产相同")
	}
	return nil
}

// ProviderQuote 为路由服务原始返回。
type ProviderQuote struct {
	AmountOut      *big.Int
	Route          []common.Address
	GasEstimate    uint64
	PriceImpactBps uint32
}

// Quote 为已签发的报价，签发后不可修改；过期后必须重新询价。
type Quote struct {
	Provider       string
	ChainID        uint64
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *big.Int
	Route          []common.Address
	ExpectedOutput *big.Int
	PriceImpactBps uint32
	GasEstimate    uint64
	// NetOutput 为扣除 gas 成本后的输出，用于多服务择优。
	NetOutput *big.Int
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired 判断报价在 now 时刻是否已过期。
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Validate 在使用报价构造调用前校验有效期。
func (q Quote) Validate(now time.Time) error {
	if q.ExpectedOutput == nil || q.ExpectedOutput.Sign() <= 0 {
		return fmt.Errorf("quote: 预期输出无效: %w", failure.ErrNoRoute)
	}
	if q.Expired(now) {
		return fmt.Errorf("quote: %s 签发的报价已于 %s 过期: %w",
			q.Provider, q.ExpiresAt.Format(time.RFC3339), failure.ErrQuoteExpired)
	}
	return nil
}

// MinOutput 返回滑点容忍度下的最低可接受输出，向下取整。
func (q Quote) MinOutput(slippageBps uint32) *big.Int {
	if slippageBps > bpsDenominator {
		slippageBps = bpsDenominator
	}
	out := new(big.Int).Mul(q.ExpectedOutput, big.NewInt(int64(bpsDenominator-slippageBps)))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// CheckExecuted 校验实际成交输出是否满足滑点下限。
func (q Quote) CheckExecuted(executed *big.Int, slippageBps uint32) error {
	if executed == nil {
		return nil
	}
	floor := q.MinOutput(slippageBps)
	if executed.Cmp(floor) < 0 {
		return fmt.Errorf("quote: 实际输出 %s 低于下限 %s: %w", executed, floor, failure.ErrSlippageExceeded)
	}
	return nil
}

func newQuote(provider string, req Request, raw ProviderQuote, issuedAt time.Time, ttl time.Duration) Quote {
	route := append([]common.Address(nil), raw.Route...)
	if len(route) == 0 {
		route = []common.Address{req.TokenIn, req.TokenOut}
	}
	out := new(big.Int).Set(raw.AmountOut)
	return Quote{
		Provider:       provider,
		ChainID:        req.ChainID,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       new(big.Int).Set(req.AmountIn),
		Route:          route,
		ExpectedOutput: out,
		PriceImpactBps: raw.PriceImpactBps,
		GasEstimate:    raw.GasEstimate,
		NetOutput:      netOutput(req, raw),
		IssuedAt:       issuedAt,
		ExpiresAt:      issuedAt.Add(ttl),
	}
}

// netOutput 计算扣除 gas 后的输出：gasCost(wei) 按输出资产折算后从 amountOut 中减去。
func netOutput(req Request, raw ProviderQuote) *big.Int {
	out := new(big.Int).Set(raw.AmountOut)
	if req.GasPrice == nil || req.GasPrice.Sign() <= 0 || raw.GasEstimate == 0 {
		return out
	}

	gasWei := new(big.Int).Mul(new(big.Int).SetUint64(raw.GasEstimate), req.GasPrice)

	var rate *big.Rat
	switch {
	case req.NativeToOutput != nil:
		rate = req.NativeToOutput
	case req.InputIsNative:
		rate = new(big.Rat).SetFrac(raw.AmountOut, req.AmountIn)
	default:
		return out
	}

	cost := new(big.Rat).Mul(new(big.Rat).SetInt(gasWei), rate)
	costInt := new(big.Int).Quo(cost.Num(), cost.Denom())
	return out.Sub(out, costInt)
}

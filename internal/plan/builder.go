package plan

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/config"
	"storefront/internal/failure"
	"storefront/internal/order"
	"storefront/internal/quote"
	"storefront/internal/referral"
)

// ErrNotResolved 表示构建时缺少该条目的前置解析结果。
var ErrNotResolved = errors.New("item inputs not resolved")

// Input 为构建计划所需的全部已解析输入，构建过程不做任何 I/O。
type Input struct {
	AttemptID string
	Snapshot  cart.Snapshot
	// Quotes 为兑换条目的报价。
	Quotes map[string]quote.Quote
	// Amounts 为捐赠条目换算后的支付资产数量。
	Amounts map[string]*big.Int
	// Orders 为 NFT 条目解析出的挂单。
	Orders map[string]order.MarketOrder
	// Liveness 为构建前权威存活检查结果，nil 表示挂单仍可成交；缺失视为未检查。
	Liveness map[string]error
	// Allowances 为 ERC20 支付条目当前对 spender 的授权额度。
	Allowances map[string]*big.Int
	Referral   *referral.Attribution
	// Errors 为解析阶段已失败的条目。
	Errors map[string]error
	Now    time.Time
}

type chainRoute struct {
	router   common.Address
	wrapped  common.Address
	donation common.Address
}

// Builder 为纯函数式的计划构建器。
type Builder struct {
	chains      map[uint64]chainRoute
	slippageBps uint32
	logger      *zap.Logger
}

// NewBuilder 根据链配置创建构建器。
func NewBuilder(chains []config.ChainConfig, exec config.ExecutionConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	routes := make(map[uint64]chainRoute, len(chains))
	for _, c := range chains {
		routes[c.ChainID] = chainRoute{
			router:   common.HexToAddress(c.RouterAddress),
			wrapped:  common.HexToAddress(c.WrappedNative),
			donation: common.HexToAddress(c.DonationAddress),
		}
	}
	return &Builder{chains: routes, slippageBps: exec.SlippageBps, logger: logger.Named("plan")}
}

// Build 生成结算计划。单个条目失败只记录在 Plan.Failures 中，不影响其他条目；
// 仅配置类缺陷（如不支持的交易所）会中止整个构建。
func (b *Builder) Build(in Input) (*Plan, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	p := newPlan(in.AttemptID, in.Snapshot, now)
	p.Referral = in.Referral

	chainIndex := make(map[uint64]int)
	seenOrders := make(map[common.Hash]string)

	for _, item := range p.Items {
		if err := in.Errors[item.ID]; err != nil {
			if failure.Fatal(err) {
				return nil, fmt.Errorf("plan: 条目 %s: %w", item.ID, err)
			}
			p.fail(item.ID, err, "")
			continue
		}

		route, ok := b.chains[item.ChainID()]
		if !ok {
			p.fail(item.ID, fmt.Errorf("plan: 未配置链 %d: %w", item.ChainID(), ErrNotResolved), "")
			continue
		}

		var (
			steps []Step
			err   error
		)
		switch item.Kind {
		case cart.KindSwap:
			steps, err = b.swapSteps(p, item, route, in, now)
		case cart.KindNftFulfillment:
			if item.Order != nil {
				if first, dup := seenOrders[item.Order.OrderHash]; dup {
					p.fail(item.ID, failure.ErrDuplicateOrder, "与条目 "+first+" 指向同一挂单")
					continue
				}
			}
			steps, err = b.fulfillSteps(item, in)
			if item.Order != nil {
				// 只保留第一个引用该挂单的条目
				seenOrders[item.Order.OrderHash] = item.ID
			}
		case cart.KindDonation:
			steps, err = b.donationSteps(item, route, in)
		default:
			err = fmt.Errorf("plan: 不支持的条目类型 %q", item.Kind)
		}

		if err != nil {
			if failure.Fatal(err) {
				return nil, fmt.Errorf("plan: 条目 %s: %w", item.ID, err)
			}
			p.fail(item.ID, err, "")
			continue
		}

		idx, ok := chainIndex[item.ChainID()]
		if !ok {
			idx = len(p.Chains)
			chainIndex[item.ChainID()] = idx
			p.Chains = append(p.Chains, ChainPlan{ChainID: item.ChainID()})
		}
		p.Chains[idx].Steps = append(p.Chains[idx].Steps, steps...)
		p.items[item.ID] = cart.StatusBuilt
		for _, s := range steps {
			p.steps[s.ID] = cart.StatusBuilt
		}
	}

	b.logger.Debug("结算计划已构建",
		zap.String("attempt_id", p.AttemptID),
		zap.Int("steps", p.StepCount()),
		zap.Int("failures", len(p.Failures)),
	)
	return p, nil
}

func (b *Builder) swapSteps(p *Plan, item cart.Item, route chainRoute, in Input, now time.Time) ([]Step, error) {
	q, ok := in.Quotes[item.ID]
	if !ok {
		return nil, fmt.Errorf("plan: 缺少报价: %w", failure.ErrNoRoute)
	}
	if err := q.Validate(now); err != nil {
		return nil, err
	}

	amountIn := new(big.Int).Set(q.AmountIn)
	native := item.PayWith == cart.NativeAsset
	var steps []Step

	if !native {
		allowance := in.Allowances[item.ID]
		if allowance == nil || allowance.Cmp(amountIn) < 0 {
			data, err := encodeApprove(route.router, amountIn)
			if err != nil {
				return nil, fmt.Errorf("plan: 编码 approve 失败: %w", err)
			}
			steps = append(steps, Step{
				ID:      StepID(item.ID, StepApprove),
				ItemID:  item.ID,
				Kind:    StepApprove,
				ChainID: item.ChainID(),
				Target:  item.PayWith,
				Data:    data,
				Value:   new(big.Int),
			})
		}
	}

	path := make([]common.Address, len(q.Route))
	for i, hop := range q.Route {
		if hop == cart.NativeAsset {
			hop = route.wrapped
		}
		path[i] = hop
	}
	minOut := q.MinOutput(b.slippageBps)
	deadline := big.NewInt(q.ExpiresAt.Unix())

	var (
		data  []byte
		err   error
		value = new(big.Int)
	)
	if native {
		data, err = encodeSwapExactETH(minOut, path, p.Buyer, deadline)
		value.Set(amountIn)
	} else {
		data, err = encodeSwapExactTokens(amountIn, minOut, path, p.Buyer, deadline)
	}
	if err != nil {
		return nil, fmt.Errorf("plan: 编码兑换调用失败: %w", err)
	}

	swap := Step{
		ID:      StepID(item.ID, StepSwap),
		ItemID:  item.ID,
		Kind:    StepSwap,
		ChainID: item.ChainID(),
		Target:  route.router,
		Data:    data,
		Value:   value,
		Quote:   &q,
	}
	if len(steps) > 0 {
		swap.DependsOn = []string{steps[0].ID}
	}
	steps = append(steps, swap)

	if in.Referral != nil {
		fee := in.Referral.Fee(amountIn)
		if fee.Sign() > 0 {
			feeStep := Step{
				ID:        StepID(item.ID, StepFee),
				ItemID:    item.ID,
				Kind:      StepFee,
				ChainID:   item.ChainID(),
				DependsOn: []string{swap.ID},
			}
			if native {
				feeStep.Target = in.Referral.Recipient
				feeStep.Value = fee
			} else {
				data, err := encodeTransfer(in.Referral.Recipient, fee)
				if err != nil {
					return nil, fmt.Errorf("plan: 编码推荐费转账失败: %w", err)
				}
				feeStep.Target = item.PayWith
				feeStep.Data = data
				feeStep.Value = new(big.Int)
			}
			steps = append(steps, feeStep)
			p.addFee(item.ChainID(), item.PayWith, fee)
			p.ReferralFeeUSD = p.ReferralFeeUSD.Add(in.Referral.FeeUSD(item.Spend))
		}
	}
	return steps, nil
}

func (b *Builder) fulfillSteps(item cart.Item, in Input) ([]Step, error) {
	if item.Order == nil {
		return nil, fmt.Errorf("plan: NFT 条目缺少挂单引用: %w", ErrNotResolved)
	}
	// 适配表查询为纯函数，未登记地址直接中止
	adapter, err := order.AdapterFor(item.Order.Exchange)
	if err != nil {
		return nil, err
	}

	live, checked := in.Liveness[item.ID]
	if !checked {
		return nil, fmt.Errorf("plan: 未完成权威存活检查: %w", failure.ErrOrderNoLongerAvailable)
	}
	if live != nil {
		return nil, live
	}

	mo, ok := in.Orders[item.ID]
	if !ok {
		return nil, fmt.Errorf("plan: 缺少挂单参数: %w", ErrNotResolved)
	}
	if mo.Exchange != item.Order.Exchange || mo.OrderHash != item.Order.OrderHash {
		return nil, fmt.Errorf("plan: 挂单与条目引用不一致: %w", ErrNotResolved)
	}

	data, err := adapter.EncodeFulfillment(mo.Parameters)
	if err != nil {
		return nil, err
	}

	total := mo.Parameters.TotalPayment()
	var steps []Step
	fulfill := Step{
		ID:      StepID(item.ID, StepFulfill),
		ItemID:  item.ID,
		Kind:    StepFulfill,
		ChainID: item.ChainID(),
		Target:  mo.Exchange,
		Data:    data,
		Value:   new(big.Int),
	}

	if token := mo.PaymentToken(); token == cart.NativeAsset {
		fulfill.Value = total
	} else {
		allowance := in.Allowances[item.ID]
		if allowance == nil || allowance.Cmp(total) < 0 {
			approve, err := encodeApprove(mo.Exchange, total)
			if err != nil {
				return nil, fmt.Errorf("plan: 编码 approve 失败: %w", err)
			}
			steps = append(steps, Step{
				ID:      StepID(item.ID, StepApprove),
				ItemID:  item.ID,
				Kind:    StepApprove,
				ChainID: item.ChainID(),
				Target:  token,
				Data:    approve,
				Value:   new(big.Int),
			})
			fulfill.DependsOn = []string{steps[0].ID}
		}
	}
	return append(steps, fulfill), nil
}

func (b *Builder) donationSteps(item cart.Item, route chainRoute, in Input) ([]Step, error) {
	if route.donation == (common.Address{}) {
		return nil, fmt.Errorf("plan: 链 %d 未登记捐赠地址: %w", item.ChainID(), ErrNotResolved)
	}
	amount, ok := in.Amounts[item.ID]
	if !ok || amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("plan: 缺少捐赠金额: %w", ErrNotResolved)
	}

	step := Step{
		ID:      StepID(item.ID, StepDonate),
		ItemID:  item.ID,
		Kind:    StepDonate,
		ChainID: item.ChainID(),
	}
	if item.PayWith == cart.NativeAsset {
		step.Target = route.donation
		step.Value = new(big.Int).Set(amount)
	} else {
		data, err := encodeTransfer(route.donation, amount)
		if err != nil {
			return nil, fmt.Errorf("plan: 编码捐赠转账失败: %w", err)
		}
		step.Target = item.PayWith
		step.Data = data
		step.Value = new(big.Int)
	}
	return []Step{step}, nil
}

// SpenderFor 返回条目 ERC20 支付需要授权的合约地址；原生资产支付返回 false。
func (b *Builder) SpenderFor(item cart.Item, mo *order.MarketOrder) (common.Address, common.Address, bool) {
	switch item.Kind {
	case cart.KindSwap:
		if item.PayWith == cart.NativeAsset {
			return common.Address{}, common.Address{}, false
		}
		route, ok := b.chains[item.ChainID()]
		if !ok {
			return common.Address{}, common.Address{}, false
		}
		return item.PayWith, route.router, true
	case cart.KindNftFulfillment:
		if mo == nil || mo.PaymentToken() == cart.NativeAsset {
			return common.Address{}, common.Address{}, false
		}
		return mo.PaymentToken(), mo.Exchange, true
	default:
		return common.Address{}, common.Address{}, false
	}
}

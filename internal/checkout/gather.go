package checkout

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront/internal/cart"
	"storefront/internal/failure"
	"storefront/internal/order"
	"storefront/internal/plan"
	"storefront/internal/quote"
	"storefront/internal/referral"
)

// itemResult 为单个条目在构建前收集到的外部状态。
type itemResult struct {
	quote     *quote.Quote
	amount    *big.Int
	order     *order.MarketOrder
	liveness  error
	checked   bool
	allowance *big.Int
	err       error
}

// gather 并发收集每个条目的报价、挂单与授权额度，失败只影响对应条目。
// 收集期间被移出购物车的条目会被丢弃。
func (s *Service) gather(ctx context.Context, c *cart.Cart, snap cart.Snapshot, attribution *referral.Attribution) plan.Input {
	results := make(map[string]itemResult, len(snap.Items))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, item := range snap.Items {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
			defer cancel()
			release := c.Track(item.ID, cancel)
			defer release()

			res := s.gatherItem(itemCtx, snap.Buyer, item)
			mu.Lock()
			results[item.ID] = res
			mu.Unlock()
			return nil
		})
	}
	// 各条目的错误已记录在结果中
	_ = g.Wait()

	in := plan.Input{
		Snapshot:   cart.Snapshot{Buyer: snap.Buyer, TakenAt: snap.TakenAt},
		Quotes:     make(map[string]quote.Quote),
		Amounts:    make(map[string]*big.Int),
		Orders:     make(map[string]order.MarketOrder),
		Liveness:   make(map[string]error),
		Allowances: make(map[string]*big.Int),
		Referral:   attribution,
		Errors:     make(map[string]error),
		Now:        s.now(),
	}

	for _, item := range snap.Items {
		res := results[item.ID]
		if failure.Cancelled(res.err) && !c.Contains(item.ID) {
			s.logger.Info("条目已移出购物车，丢弃收集结果", zap.String("item_id", item.ID))
			continue
		}
		in.Snapshot.Items = append(in.Snapshot.Items, item)

		if res.err != nil {
			in.Errors[item.ID] = res.err
			s.logger.Warn("条目准备失败",
				zap.String("item_id", item.ID),
				zap.Uint64("chain_id", item.ChainID()),
				zap.String("code", failure.Code(res.err)),
				zap.Error(res.err),
			)
			continue
		}
		if res.quote != nil {
			in.Quotes[item.ID] = *res.quote
		}
		if res.amount != nil {
			in.Amounts[item.ID] = res.amount
		}
		if res.order != nil {
			in.Orders[item.ID] = *res.order
		}
		if res.checked {
			in.Liveness[item.ID] = res.liveness
		}
		if res.allowance != nil {
			in.Allowances[item.ID] = res.allowance
		}
	}
	return in
}

func (s *Service) gatherItem(ctx context.Context, buyer common.Address, item cart.Item) itemResult {
	switch item.Kind {
	case cart.KindSwap:
		return s.gatherSwap(ctx, buyer, item)
	case cart.KindNftFulfillment:
		return s.gatherFulfillment(ctx, buyer, item)
	case cart.KindDonation:
		amount, err := s.prices.ToBaseUnits(ctx, item.ChainID(), item.PayWith, item.Spend)
		if err != nil {
			return itemResult{err: fmt.Errorf("checkout: 换算捐赠金额: %w", err)}
		}
		return itemResult{amount: amount}
	default:
		return itemResult{err: fmt.Errorf("checkout: 不支持的条目类型 %q", item.Kind)}
	}
}

func (s *Service) gatherSwap(ctx context.Context, buyer common.Address, item cart.Item) itemResult {
	chainID := item.ChainID()
	amountIn, err := s.prices.ToBaseUnits(ctx, chainID, item.PayWith, item.Spend)
	if err != nil {
		return itemResult{err: fmt.Errorf("checkout: 换算兑换金额: %w", err)}
	}

	native := item.PayWith == cart.NativeAsset
	req := quote.Request{
		ChainID:       chainID,
		TokenIn:       item.PayWith,
		TokenOut:      item.Target.Address,
		AmountIn:      amountIn,
		InputIsNative: native,
	}
	if price, err := s.chain.GasPrice(ctx, chainID); err == nil {
		req.GasPrice = price
	} else {
		s.logger.Debug("获取 gas 价格失败，按毛输出择优", zap.Uint64("chain_id", chainID), zap.Error(err))
	}
	if !native && req.GasPrice != nil {
		if rate, err := s.prices.NativeToToken(ctx, chainID, item.Target.Address); err == nil {
			req.NativeToOutput = rate
		}
	}

	q, err := s.quotes.Quote(ctx, req)
	if err != nil {
		return itemResult{err: err}
	}

	res := itemResult{quote: &q}
	if token, spender, ok := s.builder.SpenderFor(item, nil); ok {
		res.allowance = s.allowance(ctx, chainID, token, buyer, spender)
	}
	return res
}

func (s *Service) gatherFulfillment(ctx context.Context, buyer common.Address, item cart.Item) itemResult {
	if item.Order == nil {
		return itemResult{err: fmt.Errorf("checkout: NFT 条目缺少挂单引用: %w", plan.ErrNotResolved)}
	}
	chainID := item.ChainID()

	mo, _, err := s.orders.Resolve(ctx, chainID, *item.Order)
	if err != nil {
		return itemResult{err: err}
	}
	res := itemResult{order: &mo, checked: true}

	// 构建前的权威检查，结果交给构建器处理
	res.liveness = s.orders.Live(ctx, chainID, *item.Order)
	if res.liveness != nil && !order.IsUnavailable(res.liveness) {
		// 检查本身失败时无法确认挂单仍可成交
		res.liveness = fmt.Errorf("checkout: 存活检查失败 (%v): %w", res.liveness, failure.ErrOrderNoLongerAvailable)
	}

	if token, spender, ok := s.builder.SpenderFor(item, &mo); ok {
		res.allowance = s.allowance(ctx, chainID, token, buyer, spender)
	}
	return res
}

// allowance 读取授权额度；读取失败按零处理，由构建器插入 approve 步骤。
func (s *Service) allowance(ctx context.Context, chainID uint64, token, owner, spender common.Address) *big.Int {
	data, err := plan.EncodeAllowance(owner, spender)
	if err != nil {
		return nil
	}
	out, err := s.chain.Call(ctx, chainID, token, data)
	if err != nil {
		s.logger.Debug("读取授权额度失败",
			zap.Uint64("chain_id", chainID),
			zap.String("token", token.Hex()),
			zap.Error(err),
		)
		return nil
	}
	amount, err := plan.DecodeAllowance(out)
	if err != nil {
		return nil
	}
	return amount
}

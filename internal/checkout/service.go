// Package checkout 将购物车、询价、挂单、推荐与结算协调器串成完整的结算流程。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/config"
	"storefront/internal/execution"
	"storefront/internal/failure"
	"storefront/internal/order"
	"storefront/internal/plan"
	"storefront/internal/quote"
	"storefront/internal/referral"
)

var (
	// ErrEmptyCart 表示购物车为空，无需结算。
	ErrEmptyCart = errors.New("checkout: 购物车为空")
	// ErrUnknownAttempt 表示结算尝试不存在或已过期。
	ErrUnknownAttempt = errors.New("checkout: 未知的结算尝试")
	// ErrBuyerMismatch 表示买家与签名账户不一致。
	ErrBuyerMismatch = errors.New("checkout: 买家与签名账户不一致")
	// ErrCheckoutInProgress 表示该买家已有结算在执行，需等其状态流结束。
	ErrCheckoutInProgress = errors.New("checkout: 该买家已有结算正在执行")
)

// Quoter 返回最优报价。
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (quote.Quote, error)
}

// Converter 将美元金额换算为链上资产数量。
type Converter interface {
	ToBaseUnits(ctx context.Context, chainID uint64, asset common.Address, usd decimal.Decimal) (*big.Int, error)
	NativeToToken(ctx context.Context, chainID uint64, token common.Address) (*big.Rat, error)
}

// OrderResolver 解析挂单并执行权威存活检查。
type OrderResolver interface {
	Resolve(ctx context.Context, chainID uint64, ref cart.OrderRef) (order.MarketOrder, order.Adapter, error)
	Live(ctx context.Context, chainID uint64, ref cart.OrderRef) error
}

// ReferralResolver 解析推荐归属。
type ReferralResolver interface {
	Resolve(ctx context.Context, buyer common.Address, code string) (referral.Attribution, error)
}

// ChainReader 提供按链的只读调用与 gas 价格。
type ChainReader interface {
	Call(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error)
	GasPrice(ctx context.Context, chainID uint64) (*big.Int, error)
}

// Recorder 持久化结算事件。
type Recorder interface {
	RecordPlan(ctx context.Context, p *plan.Plan)
	RecordStatus(ctx context.Context, ev cart.StatusEvent)
	RecordError(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// StatusObserver 接收条目级状态，用于指标统计。
type StatusObserver interface {
	ObserveItem(status cart.Status, code string)
}

// Deps 汇总 Service 的协作者。
type Deps struct {
	Carts       *cart.Registry
	Quotes      Quoter
	Prices      Converter
	Orders      OrderResolver
	Referrals   ReferralResolver
	Chain       ChainReader
	Builder     *plan.Builder
	Broadcaster execution.Broadcaster
	Recorder    Recorder
	// Signer 为广播账户，非零时只接受该买家的结算。
	Signer common.Address
}

// Service 为对外暴露的结算入口。
type Service struct {
	carts     *cart.Registry
	quotes    Quoter
	prices    Converter
	orders    OrderResolver
	referrals ReferralResolver
	chain     ChainReader
	builder   *plan.Builder
	recorder  Recorder
	observer  StatusObserver
	signer    common.Address

	coordinator *execution.Coordinator
	logger      *zap.Logger
	itemTimeout time.Duration
	concurrency int
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	attempts map[string]*plan.Plan
	// active 记录正在执行的买家及其结算尝试，同一买家同时只允许一个
	active map[common.Address]string
}

// NewService 创建结算服务，并以自身作为重试时的计划重建者。
func NewService(deps Deps, quoteCfg config.QuoteConfig, execCfg config.ExecutionConfig, logger *zap.Logger) (*Service, error) {
	if deps.Carts == nil || deps.Quotes == nil || deps.Prices == nil || deps.Orders == nil ||
		deps.Referrals == nil || deps.Chain == nil || deps.Builder == nil || deps.Broadcaster == nil {
		return nil, errors.New("checkout: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	concurrency := quoteCfg.Concurrency
	if concurrency <= 0 || concurrency > 8 {
		concurrency = 8
	}
	itemTimeout := execCfg.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 10 * time.Second
	}

	s := &Service{
		carts:       deps.Carts,
		quotes:      deps.Quotes,
		prices:      deps.Prices,
		orders:      deps.Orders,
		referrals:   deps.Referrals,
		chain:       deps.Chain,
		builder:     deps.Builder,
		recorder:    deps.Recorder,
		signer:      deps.Signer,
		logger:      logger.Named("checkout"),
		itemTimeout: itemTimeout,
		concurrency: concurrency,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		attempts:    make(map[string]*plan.Plan),
		active:      make(map[common.Address]string),
	}
	s.coordinator = execution.NewCoordinator(deps.Broadcaster, s, execCfg, logger)
	return s, nil
}

// WithObservers 设置步骤与条目两级的指标观察者。
func (s *Service) WithObservers(steps execution.Observer, items StatusObserver) *Service {
	if steps != nil {
		s.coordinator.WithObserver(steps)
	}
	s.observer = items
	return s
}

// BuildSettlementPlan 对买家购物车做快照，并发完成询价、挂单与授权检查后构建结算计划。
// 单个条目的失败记录在 Plan.Failures 中；只有配置缺陷会返回错误。
func (s *Service) BuildSettlementPlan(ctx context.Context, buyer common.Address, referralCode string) (*plan.Plan, error) {
	if s.signer != (common.Address{}) && buyer != s.signer {
		return nil, ErrBuyerMismatch
	}
	if attemptID, busy := s.running(buyer); busy {
		return nil, fmt.Errorf("%w: %s", ErrCheckoutInProgress, attemptID)
	}
	c, err := s.carts.Get(ctx, buyer)
	if err != nil {
		return nil, err
	}
	snap := c.Snapshot()
	if len(snap.Items) == 0 {
		return nil, ErrEmptyCart
	}

	attribution := s.resolveReferral(ctx, buyer, referralCode)
	p, err := s.build(ctx, c, s.newID(), snap, attribution)
	if err != nil {
		return nil, err
	}

	s.remember(p)
	return p, nil
}

// Execute 提交计划，状态事件同时写入购物车与监控，并转发给调用方。
// 调用方必须读取返回通道直到关闭；关闭前同一买家的其他结算会被拒绝。
func (s *Service) Execute(ctx context.Context, p *plan.Plan) (<-chan cart.StatusEvent, error) {
	if err := s.claim(p.Buyer, p.AttemptID); err != nil {
		return nil, err
	}
	c, err := s.carts.Get(ctx, p.Buyer)
	if err != nil {
		s.release(p.Buyer)
		return nil, err
	}
	return s.tee(ctx, c, p.Buyer, s.coordinator.Execute(ctx, p)), nil
}

// RetryFailed 只重建并提交上一次尝试中失败的条目。
func (s *Service) RetryFailed(ctx context.Context, attemptID string) (*plan.Plan, <-chan cart.StatusEvent, error) {
	prev, ok := s.Attempt(attemptID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAttempt, attemptID)
	}
	if err := s.claim(prev.Buyer, attemptID); err != nil {
		return nil, nil, err
	}
	c, err := s.carts.Get(ctx, prev.Buyer)
	if err != nil {
		s.release(prev.Buyer)
		return nil, nil, err
	}

	next, events, err := s.coordinator.RetryFailed(ctx, prev)
	if err != nil {
		s.release(prev.Buyer)
		return nil, nil, err
	}
	if next != prev {
		s.mu.Lock()
		s.attempts[attemptID] = next
		s.attempts[next.AttemptID] = next
		s.mu.Unlock()
	}
	return next, s.tee(ctx, c, prev.Buyer, events), nil
}

// Rebuild 为失败条目重新询价、重新检查挂单；推荐归属沿用会话并重新校验持有人。
func (s *Service) Rebuild(ctx context.Context, previous *plan.Plan, itemIDs []string) (*plan.Plan, error) {
	c, err := s.carts.Get(ctx, previous.Buyer)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}
	snap := cart.Snapshot{Buyer: previous.Buyer, TakenAt: s.now()}
	for _, item := range previous.Items {
		if wanted[item.ID] {
			snap.Items = append(snap.Items, item)
		}
	}

	var attribution *referral.Attribution
	if previous.Referral != nil {
		attribution = s.resolveReferral(ctx, previous.Buyer, "")
	}
	return s.build(ctx, c, s.newID(), snap, attribution)
}

// Attempt 按标识查找结算尝试的最新计划。
func (s *Service) Attempt(attemptID string) (*plan.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.attempts[attemptID]
	return p, ok
}

func (s *Service) build(ctx context.Context, c *cart.Cart, attemptID string, snap cart.Snapshot, attribution *referral.Attribution) (*plan.Plan, error) {
	in := s.gather(ctx, c, snap, attribution)
	in.AttemptID = attemptID

	var quoted []string
	for _, item := range in.Snapshot.Items {
		if _, ok := in.Quotes[item.ID]; ok {
			quoted = append(quoted, item.ID)
		}
	}
	s.progress(ctx, c, attemptID, quoted, cart.StatusQuoted)

	p, err := s.builder.Build(in)
	if err != nil {
		s.logger.Error("结算计划构建中止", zap.String("attempt_id", attemptID), zap.Error(err))
		if s.recorder != nil {
			s.recorder.RecordError(ctx, "结算计划构建中止", err, map[string]interface{}{"attempt_id": attemptID})
		}
		return nil, err
	}

	s.logger.Info("结算计划已构建",
		zap.String("attempt_id", p.AttemptID),
		zap.String("buyer", p.Buyer.Hex()),
		zap.Int("items", len(p.Items)),
		zap.Int("steps", p.StepCount()),
		zap.Int("failures", len(p.Failures)),
	)
	if s.recorder != nil {
		s.recorder.RecordPlan(ctx, p)
	}

	var built []string
	for _, item := range p.Items {
		if p.ItemStatus(item.ID) == cart.StatusBuilt {
			built = append(built, item.ID)
		}
	}
	s.progress(ctx, c, attemptID, built, cart.StatusBuilt)
	return p, nil
}

// progress 把构建进度写入购物车状态槽，失败条目由执行事件流报告。
func (s *Service) progress(ctx context.Context, c *cart.Cart, attemptID string, itemIDs []string, status cart.Status) {
	for _, id := range itemIDs {
		c.Apply(ctx, cart.StatusEvent{AttemptID: attemptID, ItemID: id, Status: status, At: s.now()})
	}
}

// resolveReferral 解析推荐归属；无效推荐码不影响结算，只是不收推荐费。
func (s *Service) resolveReferral(ctx context.Context, buyer common.Address, code string) *referral.Attribution {
	a, err := s.referrals.Resolve(ctx, buyer, code)
	switch {
	case err == nil:
		return &a
	case errors.Is(err, failure.ErrNoAttribution):
		return nil
	default:
		s.logger.Warn("推荐归属无效，本次结算不收推荐费",
			zap.String("buyer", buyer.Hex()),
			zap.String("code", code),
			zap.Error(err),
		)
		if s.recorder != nil {
			s.recorder.RecordError(ctx, "推荐归属无效", err, map[string]interface{}{
				"buyer": buyer.Hex(),
				"code":  code,
			})
		}
		return nil
	}
}

func (s *Service) claim(buyer common.Address, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running, ok := s.active[buyer]; ok {
		return fmt.Errorf("%w: %s", ErrCheckoutInProgress, running)
	}
	s.active[buyer] = attemptID
	return nil
}

func (s *Service) release(buyer common.Address) {
	s.mu.Lock()
	delete(s.active, buyer)
	s.mu.Unlock()
}

func (s *Service) running(buyer common.Address) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attemptID, ok := s.active[buyer]
	return attemptID, ok
}

func (s *Service) remember(p *plan.Plan) {
	s.mu.Lock()
	s.attempts[p.AttemptID] = p
	s.mu.Unlock()
}

// tee 转发状态流，流结束后释放买家的执行占用。
func (s *Service) tee(ctx context.Context, c *cart.Cart, buyer common.Address, events <-chan cart.StatusEvent) <-chan cart.StatusEvent {
	out := make(chan cart.StatusEvent, cap(events))
	go func() {
		defer close(out)
		defer s.release(buyer)
		for ev := range events {
			c.Apply(ctx, ev)
			if s.recorder != nil {
				s.recorder.RecordStatus(ctx, ev)
			}
			if s.observer != nil && ev.StepID == "" {
				s.observer.ObserveItem(ev.Status, ev.Code)
			}
			out <- ev
		}
	}()
	return out
}

// Package execution 按链提交结算计划并输出条目状态流。
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront/internal/cart"
	"storefront/internal/config"
	"storefront/internal/failure"
	"storefront/internal/plan"
)

// 路由合约在实际输出低于 amountOutMin 时的回滚原因。
var slippageReasons = []string{"INSUFFICIENT_OUTPUT_AMOUNT", "Too little received"}

// Coordinator 链内串行、链间并行地提交步骤。
type Coordinator struct {
	broadcaster    Broadcaster
	rebuilder      Rebuilder
	slippageBps    uint32
	confirmTimeout time.Duration
	logger         *zap.Logger
	observer       Observer
	now            func() time.Time
}

// NewCoordinator 创建结算协调器。
func NewCoordinator(broadcaster Broadcaster, rebuilder Rebuilder, cfg config.ExecutionConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Coordinator{
		broadcaster:    broadcaster,
		rebuilder:      rebuilder,
		slippageBps:    cfg.SlippageBps,
		confirmTimeout: timeout,
		logger:         logger.Named("execution"),
		now:            time.Now,
	}
}

// WithObserver 设置步骤结果观察者。
func (c *Coordinator) WithObserver(o Observer) *Coordinator {
	c.observer = o
	return c
}

// Execute 提交计划并返回按条目的状态流；全部链完成后关闭通道。
// 构建阶段已失败的条目会先以 Failed 事件输出。
func (c *Coordinator) Execute(ctx context.Context, p *plan.Plan) <-chan cart.StatusEvent {
	events := make(chan cart.StatusEvent, 2*(p.StepCount()+len(p.Items)))
	r := c.newRun(p, events)

	go func() {
		defer close(events)

		for _, f := range p.Failures {
			r.emitItem(f.ItemID, cart.StatusFailed, f)
		}

		// 每条链一个 goroutine，链内步骤串行
		var g errgroup.Group
		for _, chain := range p.Chains {
			g.Go(func() error {
				r.runChain(ctx, chain)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return events
}

// RetryFailed 仅为失败条目重新构建步骤并提交，已确认的步骤不会重复提交。
// 计划中存在结果未知的交易时，本次只按哈希查询它们的结果，不重建也不广播；
// 查询后仍失败的条目留给下一次重试。返回新计划以便后续再次重试。
func (c *Coordinator) RetryFailed(ctx context.Context, p *plan.Plan) (*plan.Plan, <-chan cart.StatusEvent, error) {
	if c.rebuilder == nil {
		return nil, nil, errors.New("execution: 未配置 rebuilder")
	}

	if pending := p.Unconfirmed(); len(pending) > 0 {
		return p, c.resolve(ctx, p, pending), nil
	}

	ids := p.RetrySet()
	if len(ids) == 0 {
		events := make(chan cart.StatusEvent)
		close(events)
		return p, events, nil
	}

	next, err := c.rebuilder.Rebuild(ctx, p, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("execution: 重建失败条目: %w", err)
	}

	confirmed := p.Confirmed()
	for i := range next.Chains {
		steps := next.Chains[i].Steps[:0]
		for _, step := range next.Chains[i].Steps {
			if confirmed[step.ID] {
				continue
			}
			steps = append(steps, step)
		}
		next.Chains[i].Steps = steps
	}
	// 保留已确认状态，使依赖它们的步骤可以继续
	for id := range confirmed {
		next.SetStepStatus(id, cart.StatusConfirmed)
	}

	c.logger.Info("重试失败条目",
		zap.String("attempt_id", next.AttemptID),
		zap.Strings("items", ids),
		zap.Int("steps", next.StepCount()),
	)
	return next, c.Execute(ctx, next), nil
}

func (c *Coordinator) resolve(ctx context.Context, p *plan.Plan, pending []plan.Step) <-chan cart.StatusEvent {
	events := make(chan cart.StatusEvent, 2*len(pending)+len(p.Items))
	r := c.newRun(p, events)

	c.logger.Info("查询结果未知的交易",
		zap.String("attempt_id", p.AttemptID),
		zap.Int("steps", len(pending)),
	)
	go func() {
		defer close(events)
		r.resolve(ctx, pending)
	}()
	return events
}

func (c *Coordinator) newRun(p *plan.Plan, events chan<- cart.StatusEvent) *run {
	r := &run{
		coordinator: c,
		plan:        p,
		events:      events,
		remaining:   make(map[string]int),
	}
	for _, step := range p.Steps() {
		if p.StepStatus(step.ID) != cart.StatusConfirmed {
			r.remaining[step.ItemID]++
		}
	}
	return r
}

type run struct {
	coordinator *Coordinator
	plan        *plan.Plan
	events      chan<- cart.StatusEvent

	mu        sync.Mutex
	remaining map[string]int
}

func (r *run) runChain(ctx context.Context, chain plan.ChainPlan) {
	c := r.coordinator
	p := r.plan
	started := make(map[string]bool)

	for _, step := range chain.Steps {
		if p.StepStatus(step.ID) == cart.StatusConfirmed {
			continue
		}

		if err := ctx.Err(); err != nil {
			r.failStep(step, err)
			continue
		}

		if dep, ok := r.blockedBy(step); ok {
			r.failStep(step, fmt.Errorf("execution: 前置步骤 %s 未成功: %w", dep, failure.ErrDependencyFailed))
			continue
		}

		if step.Quote != nil {
			if err := step.Quote.Validate(c.now()); err != nil {
				r.failStep(step, err)
				continue
			}
		}

		if !started[step.ItemID] {
			started[step.ItemID] = true
			r.emitItem(step.ItemID, cart.StatusSubmitted, nil)
		}

		hash, receipt, err := r.submit(ctx, step)
		switch {
		case err == nil:
			r.confirmStep(step, receipt.TxHash, nil)
		case errors.Is(err, failure.ErrUnconfirmed):
			r.markUnconfirmed(step, hash, err)
		case receipt.Mined():
			// 已上链的步骤不能再失败，否则重试会重复购买
			r.confirmStep(step, receipt.TxHash, err)
		default:
			r.failStep(step, err)
		}
	}
}

// submit 广播步骤并等待确认；返回的哈希在广播成功后非零。
func (r *run) submit(ctx context.Context, step plan.Step) (common.Hash, Receipt, error) {
	c := r.coordinator
	p := r.plan

	p.SetStepStatus(step.ID, cart.StatusSubmitted)
	handle, err := c.broadcaster.Submit(ctx, step)
	if err != nil {
		return common.Hash{}, Receipt{}, classifySubmit(err)
	}
	hash := handle.Hash()
	p.SetStepTx(step.ID, hash)
	r.emitStep(step, cart.StatusSubmitted, hash.Hex(), nil)

	receipt, err := r.await(ctx, step, handle)
	return hash, receipt, err
}

// await 等待已广播交易的回执。等待本身失败时返回 ErrUnconfirmed，交易可能仍会上链。
func (r *run) await(ctx context.Context, step plan.Step, handle Handle) (Receipt, error) {
	c := r.coordinator

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	receipt, err := handle.Wait(waitCtx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %s: %w", failure.ErrUnconfirmed, handle.Hash().Hex(), err)
	}
	if receipt.TxHash == (common.Hash{}) {
		receipt.TxHash = handle.Hash()
	}
	if receipt.Reverted {
		return receipt, classifyRevert(receipt.Reason)
	}
	if step.Quote != nil && receipt.Output != nil {
		if err := step.Quote.CheckExecuted(receipt.Output, c.slippageBps); err != nil {
			return receipt, err
		}
	}

	c.logger.Info("步骤已确认",
		zap.String("attempt_id", r.plan.AttemptID),
		zap.String("step_id", step.ID),
		zap.Uint64("chain_id", step.ChainID),
		zap.String("tx_hash", receipt.TxHash.Hex()),
	)
	return receipt, nil
}

// resolve 按哈希查询结果未知的步骤，再据此确定所属条目的状态。
func (r *run) resolve(ctx context.Context, pending []plan.Step) {
	c := r.coordinator
	p := r.plan

	var touched []string
	stepErrs := make(map[string]error)
	settleErrs := make(map[string]error)
	for _, step := range pending {
		if _, ok := stepErrs[step.ItemID]; !ok {
			touched = append(touched, step.ItemID)
			stepErrs[step.ItemID] = nil
		}

		hash, ok := p.StepTx(step.ID)
		if !ok {
			continue
		}
		handle, err := c.broadcaster.Resume(ctx, step, hash)
		if err != nil {
			c.logger.Warn("恢复交易句柄失败",
				zap.String("step_id", step.ID),
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err),
			)
			continue
		}

		receipt, err := r.await(ctx, step, handle)
		switch {
		case err == nil:
			p.SetStepStatus(step.ID, cart.StatusConfirmed)
			r.emitStep(step, cart.StatusConfirmed, hash.Hex(), nil)
		case errors.Is(err, failure.ErrUnconfirmed):
			c.logger.Warn("交易结果仍未知",
				zap.String("step_id", step.ID),
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err),
			)
		case receipt.Mined():
			p.SetStepStatus(step.ID, cart.StatusConfirmed)
			r.emitStep(step, cart.StatusConfirmed, hash.Hex(), nil)
			settleErrs[step.ItemID] = err
		default:
			p.SetStepStatus(step.ID, cart.StatusFailed)
			r.emitStep(step, cart.StatusFailed, hash.Hex(), err)
			if stepErrs[step.ItemID] == nil {
				stepErrs[step.ItemID] = err
			}
		}
	}

	for _, itemID := range touched {
		r.settleItem(itemID, stepErrs[itemID], settleErrs[itemID])
	}
}

// settleItem 在查询结束后根据条目全部步骤的状态输出条目事件。
func (r *run) settleItem(itemID string, stepErr, settleErr error) {
	done, pending := true, false
	for _, step := range r.plan.Steps() {
		if step.ItemID != itemID {
			continue
		}
		switch r.plan.StepStatus(step.ID) {
		case cart.StatusConfirmed:
		case cart.StatusUnconfirmed:
			done, pending = false, true
		default:
			done = false
		}
	}

	switch {
	case stepErr != nil:
		r.emitItem(itemID, cart.StatusFailed, stepErr)
	case pending:
	case done && settleErr != nil:
		r.emitSettled(itemID, settleErr)
	case done:
		r.emitItem(itemID, cart.StatusConfirmed, nil)
	default:
		r.emitItem(itemID, cart.StatusFailed, fmt.Errorf("execution: 条目仍有未完成步骤: %w", failure.ErrDependencyFailed))
	}
}

// blockedBy 返回第一个未确认的依赖步骤。
func (r *run) blockedBy(step plan.Step) (string, bool) {
	for _, dep := range step.DependsOn {
		if r.plan.StepStatus(dep) != cart.StatusConfirmed {
			return dep, true
		}
	}
	return "", false
}

func (r *run) stepDone(itemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining[itemID]--
	return r.remaining[itemID] == 0 && !r.closed(itemID)
}

// closed 判断条目是否已输出失败或结果未知，此后不再被后续步骤覆盖。
func (r *run) closed(itemID string) bool {
	s := r.plan.ItemStatus(itemID)
	return s == cart.StatusFailed || s == cart.StatusUnconfirmed
}

// confirmStep 标记步骤已上链。settleErr 非空表示交易成功但结果不达预期，
// 条目以失败结束并带 Settled 标记，依赖该步骤的后续步骤照常执行。
func (r *run) confirmStep(step plan.Step, txHash common.Hash, settleErr error) {
	r.plan.SetStepStatus(step.ID, cart.StatusConfirmed)
	r.emitStep(step, cart.StatusConfirmed, txHash.Hex(), nil)

	if settleErr != nil {
		r.coordinator.logger.Warn("步骤已上链但结果不达预期",
			zap.String("attempt_id", r.plan.AttemptID),
			zap.String("step_id", step.ID),
			zap.String("tx_hash", txHash.Hex()),
			zap.Error(settleErr),
		)
		r.stepDone(step.ItemID)
		if !r.closed(step.ItemID) {
			r.emitSettled(step.ItemID, settleErr)
		}
		return
	}
	if r.stepDone(step.ItemID) {
		r.emitItem(step.ItemID, cart.StatusConfirmed, nil)
	}
}

// markUnconfirmed 记录已广播但未确认的步骤，重试时按哈希查询而不重新广播。
func (r *run) markUnconfirmed(step plan.Step, hash common.Hash, err error) {
	r.plan.SetStepStatus(step.ID, cart.StatusUnconfirmed)
	r.emitStep(step, cart.StatusUnconfirmed, hash.Hex(), err)

	r.coordinator.logger.Warn("交易已广播但结果未知",
		zap.String("attempt_id", r.plan.AttemptID),
		zap.String("step_id", step.ID),
		zap.String("tx_hash", hash.Hex()),
		zap.Error(err),
	)

	if !r.closed(step.ItemID) {
		r.emitItem(step.ItemID, cart.StatusUnconfirmed, err)
	}
}

func (r *run) failStep(step plan.Step, err error) {
	c := r.coordinator
	r.plan.SetStepStatus(step.ID, cart.StatusFailed)
	r.emitStep(step, cart.StatusFailed, "", err)

	c.logger.Warn("步骤失败",
		zap.String("attempt_id", r.plan.AttemptID),
		zap.String("step_id", step.ID),
		zap.Uint64("chain_id", step.ChainID),
		zap.Error(err),
	)

	// 条目以首个失败原因为准，依赖跳过不覆盖
	if !r.closed(step.ItemID) {
		r.emitItem(step.ItemID, cart.StatusFailed, err)
	}
}

func (r *run) emitItem(itemID string, status cart.Status, err error) {
	r.events <- r.itemEvent(itemID, status, err)
}

func (r *run) emitSettled(itemID string, err error) {
	ev := r.itemEvent(itemID, cart.StatusFailed, err)
	ev.Settled = true
	r.events <- ev
}

func (r *run) itemEvent(itemID string, status cart.Status, err error) cart.StatusEvent {
	r.plan.SetItemStatus(itemID, status)
	ev := cart.StatusEvent{
		AttemptID: r.plan.AttemptID,
		ItemID:    itemID,
		Status:    status,
		At:        r.coordinator.now(),
		Err:       err,
	}
	if err != nil {
		ev.Code = failure.Code(err)
		ev.Reason = err.Error()
	}
	return ev
}

func (r *run) emitStep(step plan.Step, status cart.Status, txHash string, err error) {
	c := r.coordinator
	if c.observer != nil && (status.Terminal() || status == cart.StatusUnconfirmed) {
		c.observer.ObserveStep(step.Kind, status, failure.Code(err))
	}
	ev := cart.StatusEvent{
		AttemptID: r.plan.AttemptID,
		ItemID:    step.ItemID,
		StepID:    step.ID,
		Status:    status,
		TxHash:    txHash,
		At:        c.now(),
		Err:       err,
	}
	if err != nil {
		ev.Code = failure.Code(err)
		ev.Reason = err.Error()
	}
	r.events <- ev
}

func classifySubmit(err error) error {
	if failure.Cancelled(err) || errors.Is(err, failure.ErrStepReverted) {
		if errors.Is(err, failure.ErrStepReverted) && isSlippage(err.Error()) {
			return fmt.Errorf("%w: %v", failure.ErrSlippageExceeded, err)
		}
		return err
	}
	// 广播层拒绝视同回滚
	return failure.Reverted(err.Error())
}

func classifyRevert(reason string) error {
	if isSlippage(reason) {
		return fmt.Errorf("%w: %s", failure.ErrSlippageExceeded, reason)
	}
	return failure.Reverted(reason)
}

func isSlippage(reason string) bool {
	for _, marker := range slippageReasons {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

// Package plan 将购物车、报价、挂单与推荐归属组合为按链分组的结算计划。
package plan

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"storefront/internal/cart"
	"storefront/internal/failure"
	"storefront/internal/quote"
	"storefront/internal/referral"
)

// StepKind 表示结算步骤类型。
type StepKind string

const (
	StepApprove StepKind = "approve"
	StepSwap    StepKind = "swap"
	StepFee     StepKind = "fee"
	StepFulfill StepKind = "fulfill"
	StepDonate  StepKind = "donate"
)

// StepID 返回条目某类步骤的标识。
func StepID(itemID string, kind StepKind) string {
	return itemID + "/" + string(kind)
}

// Step 为一次链上调用。
type Step struct {
	ID        string         `json:"id"`
	ItemID    string         `json:"item_id"`
	Kind      StepKind       `json:"kind"`
	ChainID   uint64         `json:"chain_id"`
	Target    common.Address `json:"target"`
	Data      []byte         `json:"data"`
	Value     *big.Int       `json:"value"`
	DependsOn []string       `json:"depends_on,omitempty"`
	// Quote 仅兑换步骤携带，提交前需再次校验有效期。
	Quote *quote.Quote `json:"-"`
}

// ChainPlan 为单条链上按顺序提交的步骤。
type ChainPlan struct {
	ChainID uint64 `json:"chain_id"`
	Steps   []Step `json:"steps"`
}

// FeeTotal 为某条链上某种资产的推荐费合计。
type FeeTotal struct {
	ChainID uint64         `json:"chain_id"`
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
}

// Plan 为一次结算尝试的计划，仅在本次尝试内有效，不跨会话持久化。
type Plan struct {
	AttemptID string                `json:"attempt_id"`
	Buyer     common.Address        `json:"buyer"`
	Items     []cart.Item           `json:"items"`
	Chains    []ChainPlan           `json:"chains"`
	Failures  []*failure.ItemError  `json:"-"`
	Referral  *referral.Attribution `json:"referral,omitempty"`
	// ReferralFees 按链与支付资产汇总推荐费；ReferralFeeUSD 为美元计总额。
	ReferralFees   []FeeTotal      `json:"referral_fees"`
	ReferralFeeUSD decimal.Decimal `json:"referral_fee_usd"`
	BuiltAt        time.Time       `json:"built_at"`

	mu     sync.RWMutex
	items  map[string]cart.Status
	steps  map[string]cart.Status
	stepTx map[string]common.Hash
}

func newPlan(attemptID string, snap cart.Snapshot, now time.Time) *Plan {
	items := make([]cart.Item, len(snap.Items))
	copy(items, snap.Items)
	p := &Plan{
		AttemptID:      attemptID,
		Buyer:          snap.Buyer,
		Items:          items,
		ReferralFeeUSD: decimal.Zero,
		BuiltAt:        now,
		items:          make(map[string]cart.Status, len(items)),
		steps:          make(map[string]cart.Status),
		stepTx:         make(map[string]common.Hash),
	}
	for _, item := range items {
		p.items[item.ID] = cart.StatusPending
	}
	return p
}

// ItemStatus 读取条目状态槽。
func (p *Plan) ItemStatus(itemID string) cart.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.items[itemID]
}

// SetItemStatus 写入条目状态槽，仅由结算协调器调用。
func (p *Plan) SetItemStatus(itemID string, status cart.Status) {
	p.mu.Lock()
	p.items[itemID] = status
	p.mu.Unlock()
}

// StepStatus 读取步骤状态。
func (p *Plan) StepStatus(stepID string) cart.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.steps[stepID]
}

// SetStepStatus 写入步骤状态。
func (p *Plan) SetStepStatus(stepID string, status cart.Status) {
	p.mu.Lock()
	p.steps[stepID] = status
	p.mu.Unlock()
}

// StepTx 返回步骤最近一次广播的交易哈希。
func (p *Plan) StepTx(stepID string) (common.Hash, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.stepTx[stepID]
	return h, ok
}

// SetStepTx 记录步骤已广播的交易哈希。
func (p *Plan) SetStepTx(stepID string, hash common.Hash) {
	p.mu.Lock()
	if p.stepTx == nil {
		p.stepTx = make(map[string]common.Hash)
	}
	p.stepTx[stepID] = hash
	p.mu.Unlock()
}

// ItemStatuses 返回条目状态槽的副本。
func (p *Plan) ItemStatuses() map[string]cart.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]cart.Status, len(p.items))
	for id, s := range p.items {
		out[id] = s
	}
	return out
}

// StepCount 返回全部步骤数量。
func (p *Plan) StepCount() int {
	n := 0
	for _, c := range p.Chains {
		n += len(c.Steps)
	}
	return n
}

// Steps 返回全部步骤，按链、链内顺序排列。
func (p *Plan) Steps() []Step {
	out := make([]Step, 0, p.StepCount())
	for _, c := range p.Chains {
		out = append(out, c.Steps...)
	}
	return out
}

// Confirmed 返回已确认步骤的集合。
func (p *Plan) Confirmed() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool)
	for id, s := range p.steps {
		if s == cart.StatusConfirmed {
			out[id] = true
		}
	}
	return out
}

// Unconfirmed 返回已广播但结果未知的步骤，按链、链内顺序排列。
func (p *Plan) Unconfirmed() []Step {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Step
	for _, c := range p.Chains {
		for _, step := range c.Steps {
			if p.steps[step.ID] == cart.StatusUnconfirmed {
				out = append(out, step)
			}
		}
	}
	return out
}

// RetrySet 返回需要重试的条目，按购物车插入顺序排列，结果只取决于当前状态槽。
// 失败或结果未知的条目入选；全部步骤已上链的条目即使失败也不再重试。
func (p *Plan) RetrySet() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	settled := p.settledLocked()
	var out []string
	for _, item := range p.Items {
		switch p.items[item.ID] {
		case cart.StatusFailed, cart.StatusUnconfirmed:
			if !settled[item.ID] {
				out = append(out, item.ID)
			}
		}
	}
	return out
}

// settledLocked 返回至少有一个步骤且全部步骤均已确认的条目。
func (p *Plan) settledLocked() map[string]bool {
	out := make(map[string]bool)
	for _, c := range p.Chains {
		for _, step := range c.Steps {
			done, seen := out[step.ItemID]
			if seen && !done {
				continue
			}
			out[step.ItemID] = p.steps[step.ID] == cart.StatusConfirmed
		}
	}
	return out
}

// RemainingSteps 返回待重试条目中尚未确认的步骤标识，已排序。
func (p *Plan) RemainingSteps() []string {
	failed := make(map[string]bool)
	for _, id := range p.RetrySet() {
		failed[id] = true
	}
	confirmed := p.Confirmed()
	var out []string
	for _, step := range p.Steps() {
		if failed[step.ItemID] && !confirmed[step.ID] {
			out = append(out, step.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Failure 返回条目的构建失败原因。
func (p *Plan) Failure(itemID string) (*failure.ItemError, bool) {
	for _, f := range p.Failures {
		if f.ItemID == itemID {
			return f, true
		}
	}
	return nil, false
}

func (p *Plan) fail(itemID string, err error, reason string) {
	p.Failures = append(p.Failures, failure.ForItem(itemID, err, reason))
	p.items[itemID] = cart.StatusFailed
}

func (p *Plan) addFee(chainID uint64, asset common.Address, amount *big.Int) {
	for i := range p.ReferralFees {
		if p.ReferralFees[i].ChainID == chainID && p.ReferralFees[i].Asset == asset {
			p.ReferralFees[i].Amount.Add(p.ReferralFees[i].Amount, amount)
			return
		}
	}
	p.ReferralFees = append(p.ReferralFees, FeeTotal{ChainID: chainID, Asset: asset, Amount: new(big.Int).Set(amount)})
}

package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront/internal/failure"
)

var (
	// ErrDuplicateItem 表示条目 ID 已存在。
	ErrDuplicateItem = errors.New("cart: 条目已存在")
	// ErrItemNotFound 表示条目不存在。
	ErrItemNotFound = errors.New("cart: 条目不存在")
)

// Cart 维护单个买家会话的购物车。
// 状态槽只由 Apply 写入，调用方为结算服务的构建进度与执行事件流。
type Cart struct {
	buyer  common.Address
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	items    []Item
	states   map[string]ItemState
	inflight map[string]map[uint64]context.CancelFunc
	nextReq  uint64
}

// Open 从存储加载买家购物车。
func Open(ctx context.Context, store Store, buyer common.Address, logger *zap.Logger) (*Cart, error) {
	if store == nil {
		return nil, errors.New("cart: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	items, err := store.Load(ctx, buyer)
	if err != nil {
		return nil, err
	}

	c := &Cart{
		buyer:    buyer,
		store:    store,
		logger:   logger.With(zap.String("buyer", buyer.Hex())),
		now:      func() time.Time { return time.Now().UTC() },
		items:    items,
		states:   make(map[string]ItemState, len(items)),
		inflight: make(map[string]map[uint64]context.CancelFunc),
	}
	for _, item := range items {
		c.states[item.ID] = ItemState{Status: StatusPending, UpdatedAt: c.now()}
	}
	return c, nil
}

// Buyer 返回购物车所属买家。
func (c *Cart) Buyer() common.Address {
	return c.buyer
}

// Add 追加条目，未指定 ID 时生成 UUID。
func (c *Cart) Add(ctx context.Context, item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := item.Validate(); err != nil {
		return Item{}, err
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.items {
		if existing.ID == item.ID {
			return Item{}, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
	}

	next := append(append(make([]Item, 0, len(c.items)+1), c.items...), item)
	if err := c.store.Save(ctx, c.buyer, next); err != nil {
		return Item{}, err
	}
	c.items = next
	c.states[item.ID] = ItemState{Status: StatusPending, UpdatedAt: c.now()}

	c.logger.Debug("购物车新增条目", zap.String("item_id", item.ID), zap.String("kind", string(item.Kind)))
	return item, nil
}

// Remove 删除条目并取消该条目所有进行中的外部请求。
func (c *Cart) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, id)
}

func (c *Cart) removeLocked(ctx context.Context, id string) error {
	idx := c.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	next := make([]Item, 0, len(c.items)-1)
	next = append(next, c.items[:idx]...)
	next = append(next, c.items[idx+1:]...)
	if err := c.store.Save(ctx, c.buyer, next); err != nil {
		return err
	}
	c.items = next

	for _, cancel := range c.inflight[id] {
		cancel()
	}
	delete(c.inflight, id)

	c.logger.Debug("购物车移除条目", zap.String("item_id", id))
	return nil
}

// Clear 清空购物车与状态槽，并取消全部进行中的请求。
func (c *Cart) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Clear(ctx, c.buyer); err != nil {
		return err
	}
	for id, cancels := range c.inflight {
		for _, cancel := range cancels {
			cancel()
		}
		delete(c.inflight, id)
	}
	c.items = nil
	c.states = make(map[string]ItemState)
	return nil
}

// Items 返回条目副本，保持插入顺序。
func (c *Cart) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Item(nil), c.items...)
}

// Snapshot 冻结当前购物车内容供一次结算使用。
func (c *Cart) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Buyer:   c.buyer,
		Items:   append([]Item(nil), c.items...),
		TakenAt: c.now(),
	}
}

// Contains 判断条目是否仍在购物车中。
func (c *Cart) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexLocked(id) >= 0
}

// Track 登记条目的进行中请求；条目被移除时 cancel 会被调用。
// 返回的函数用于请求结束后注销。
func (c *Cart) Track(id string, cancel context.CancelFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(id) < 0 {
		cancel()
		return func() {}
	}
	c.nextReq++
	key := c.nextReq
	if c.inflight[id] == nil {
		c.inflight[id] = make(map[uint64]context.CancelFunc)
	}
	c.inflight[id][key] = cancel

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cancels := c.inflight[id]
		delete(cancels, key)
		if len(cancels) == 0 {
			delete(c.inflight, id)
		}
	}
}

// State 返回条目状态槽。
func (c *Cart) State(id string) (ItemState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[id]
	return state, ok
}

// States 返回全部状态槽副本。
func (c *Cart) States() map[string]ItemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ItemState, len(c.states))
	for id, state := range c.states {
		out[id] = state
	}
	return out
}

// Apply 处理一条状态事件。只处理条目级事件，步骤级事件忽略。
// 结算成功、链上已生效或挂单失效的条目从购物车移除；移除不受 ctx 取消影响。
func (c *Cart) Apply(ctx context.Context, ev StatusEvent) {
	if ev.StepID != "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	at := ev.At
	if at.IsZero() {
		at = c.now()
	}
	c.states[ev.ItemID] = ItemState{
		Status:    ev.Status,
		Code:      ev.Code,
		Reason:    ev.Reason,
		UpdatedAt: at,
	}

	remove := ev.Status == StatusConfirmed ||
		(ev.Status == StatusFailed && (ev.Settled || errors.Is(ev.Err, failure.ErrOrderNoLongerAvailable) ||
			ev.Code == failure.Code(failure.ErrOrderNoLongerAvailable)))
	if !remove || c.indexLocked(ev.ItemID) < 0 {
		return
	}
	// 关停时结算流仍会送达最终状态，已上链的条目必须落库移除
	if err := c.removeLocked(context.WithoutCancel(ctx), ev.ItemID); err != nil {
		c.logger.Warn("结算后移除条目失败", zap.String("item_id", ev.ItemID), zap.Error(err))
	}
}

func (c *Cart) indexLocked(id string) int {
	for i, item := range c.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

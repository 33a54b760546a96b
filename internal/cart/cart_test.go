package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"storefront/internal/config"
	"storefront/internal/failure"
	"storefront/internal/store"
)

var (
	testBuyer = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenX    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	seaport   = common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC")
)

func newSQLStore(t *testing.T, name string) *SQLStore {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{Path: name, InMemory: true, MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cs, err := NewSQLStore(s)
	if err != nil {
		t.Fatalf("NewSQLStore returned error: %v", err)
	}
	return cs
}

func swapItem(id string) Item {
	return Item{
		ID:     id,
		Kind:   KindSwap,
		Target: Asset{ChainID: 8453, Address: tokenX},
		Spend:  decimal.NewFromInt(100),
	}
}

func nftItem(id string) Item {
	return Item{
		ID:     id,
		Kind:   KindNftFulfillment,
		Target: Asset{ChainID: 8453, Address: common.HexToAddress("0x00000000000000000000000000000000000000cc")},
		Order:  &OrderRef{Exchange: seaport, OrderHash: common.HexToHash("0x01")},
	}
}

func TestCart_PersistsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	cs := newSQLStore(t, "cart_order")

	c, err := Open(ctx, cs, testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	for _, item := range []Item{swapItem("a"), nftItem("b"), swapItem("c")} {
		if _, err := c.Add(ctx, item); err != nil {
			t.Fatalf("Add(%s) returned error: %v", item.ID, err)
		}
	}
	if err := c.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}

	reopened, err := Open(ctx, cs, testBuyer, nil)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	items := reopened.Items()
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "c" {
		t.Fatalf("unexpected items after reload: %+v", items)
	}
	if !items[0].Spend.Equal(decimal.NewFromInt(100)) {
		t.Errorf("spend not preserved: %s", items[0].Spend)
	}
}

func TestCart_RejectsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, newSQLStore(t, "cart_dup"), testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := c.Add(ctx, swapItem("a")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if _, err := c.Add(ctx, swapItem("a")); !errors.Is(err, ErrDuplicateItem) {
		t.Errorf("expected ErrDuplicateItem, got %v", err)
	}

	bad := nftItem("n")
	bad.Order = nil
	if _, err := c.Add(ctx, bad); err == nil {
		t.Errorf("expected validation error for nft without order")
	}
}

func TestCart_RemoveCancelsInflight(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, newSQLStore(t, "cart_cancel"), testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := c.Add(ctx, swapItem("a")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.Track("a", cancel)

	if err := c.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if fetchCtx.Err() == nil {
		t.Fatalf("expected in-flight fetch to be cancelled")
	}

	lateCtx, lateCancel := context.WithCancel(ctx)
	defer lateCancel()
	c.Track("a", lateCancel)
	if lateCtx.Err() == nil {
		t.Errorf("tracking a removed item should cancel immediately")
	}
}

func TestCart_ApplyStatusEvents(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, newSQLStore(t, "cart_apply"), testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	for _, item := range []Item{swapItem("a"), nftItem("b"), swapItem("c"), swapItem("d")} {
		if _, err := c.Add(ctx, item); err != nil {
			t.Fatalf("Add returned error: %v", err)
		}
	}

	for _, ev := range []StatusEvent{
		{ItemID: "a", Status: StatusConfirmed},
		{ItemID: "b", Status: StatusFailed, Err: failure.ErrOrderNoLongerAvailable, Code: "OrderNoLongerAvailable"},
		{ItemID: "c", Status: StatusFailed, Err: failure.ErrStepReverted, Code: "StepReverted"},
		{ItemID: "c", StepID: "c/swap", Status: StatusSubmitted},
		{ItemID: "d", Status: StatusFailed, Err: failure.ErrSlippageExceeded, Code: "SlippageExceeded", Settled: true},
	} {
		c.Apply(ctx, ev)
	}

	items := c.Items()
	if len(items) != 1 || items[0].ID != "c" {
		t.Fatalf("expected only the reverted item to remain, got %+v", items)
	}
	state, ok := c.State("c")
	if !ok || state.Status != StatusFailed || state.Code != "StepReverted" {
		t.Errorf("unexpected state for c: %+v", state)
	}
	if state, _ := c.State("a"); state.Status != StatusConfirmed {
		t.Errorf("confirmed status slot should remain readable, got %+v", state)
	}
	if state, _ := c.State("d"); state.Code != "SlippageExceeded" {
		t.Errorf("settled item should keep its failure code, got %+v", state)
	}
}

func TestCart_ApplyRemovesAfterCancel(t *testing.T) {
	ctx := context.Background()
	cs := newSQLStore(t, "cart_apply_cancelled")
	c, err := Open(ctx, cs, testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := c.Add(ctx, swapItem("a")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	// 服务关停时结算流仍在送达最终状态
	stopped, cancel := context.WithCancel(ctx)
	cancel()
	c.Apply(stopped, StatusEvent{ItemID: "a", Status: StatusConfirmed})

	if c.Contains("a") {
		t.Fatalf("confirmed item must leave the cart")
	}
	reopened, err := Open(ctx, cs, testBuyer, nil)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	if items := reopened.Items(); len(items) != 0 {
		t.Fatalf("confirmed item must be removed from the store, got %+v", items)
	}
}

func TestCart_TrackReleaseForgetsCancel(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, newSQLStore(t, "cart_track"), testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := c.Add(ctx, swapItem("a")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	var doneCtx context.Context
	for i := 0; i < 100; i++ {
		reqCtx, cancel := context.WithCancel(ctx)
		release := c.Track("a", cancel)
		release()
		release()
		doneCtx = reqCtx
	}
	liveCtx, liveCancel := context.WithCancel(ctx)
	defer liveCancel()
	c.Track("a", liveCancel)

	c.mu.Lock()
	n := len(c.inflight["a"])
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected only the live request to be tracked, got %d", n)
	}

	if err := c.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if liveCtx.Err() == nil {
		t.Errorf("expected live request to be cancelled")
	}
	if doneCtx.Err() != nil {
		t.Errorf("released request must not be cancelled")
	}
}

func TestCart_ClearResetsStates(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, newSQLStore(t, "cart_clear"), testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	for _, item := range []Item{swapItem("a"), swapItem("b")} {
		if _, err := c.Add(ctx, item); err != nil {
			t.Fatalf("Add returned error: %v", err)
		}
	}
	c.Apply(ctx, StatusEvent{ItemID: "a", Status: StatusFailed, Code: "StepReverted"})

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.Track("b", cancel)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if len(c.Items()) != 0 || len(c.States()) != 0 {
		t.Fatalf("expected empty cart and states, got %+v %+v", c.Items(), c.States())
	}
	if reqCtx.Err() == nil {
		t.Errorf("expected in-flight request to be cancelled")
	}
}

func TestCart_SnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, newSQLStore(t, "cart_snapshot"), testBuyer, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := c.Add(ctx, swapItem("a")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	snap := c.Snapshot()
	if _, err := c.Add(ctx, swapItem("b")); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if len(snap.Items) != 1 {
		t.Errorf("snapshot mutated by later edit: %+v", snap.Items)
	}
}

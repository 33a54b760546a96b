package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"storefront/internal/cart"
	"storefront/internal/checkout"
	"storefront/internal/config"
	"storefront/internal/failure"
	"storefront/internal/metrics"
	"storefront/internal/monitor"
	"storefront/internal/plan"
	"storefront/internal/store"
)

const buyerHex = "0x00000000000000000000000000000000000000B1"

type fakeCheckout struct {
	mu        sync.Mutex
	buildErr  error
	execErr   error
	referrals []string
	executed  []string
	retried   []string
	attempts  map[string]*plan.Plan
}

func (f *fakeCheckout) BuildSettlementPlan(_ context.Context, buyer common.Address, code string) (*plan.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.referrals = append(f.referrals, code)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	p := &plan.Plan{
		AttemptID: "attempt-1",
		Buyer:     buyer,
		Failures: []*failure.ItemError{
			failure.ForItem("nft", failure.ErrOrderNoLongerAvailable, "filled"),
		},
	}
	f.attempts[p.AttemptID] = p
	return p, nil
}

func (f *fakeCheckout) Execute(_ context.Context, p *plan.Plan) (<-chan cart.StatusEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.executed = append(f.executed, p.AttemptID)
	return closedEvents(p.AttemptID), nil
}

func (f *fakeCheckout) RetryFailed(_ context.Context, attemptID string) (*plan.Plan, <-chan cart.StatusEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.attempts[attemptID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", checkout.ErrUnknownAttempt, attemptID)
	}
	f.retried = append(f.retried, attemptID)
	next := &plan.Plan{AttemptID: attemptID + "-retry", Buyer: prev.Buyer}
	return next, closedEvents(next.AttemptID), nil
}

func (f *fakeCheckout) Attempt(attemptID string) (*plan.Plan, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.attempts[attemptID]
	return p, ok
}

func closedEvents(attemptID string) <-chan cart.StatusEvent {
	ch := make(chan cart.StatusEvent, 1)
	ch <- cart.StatusEvent{AttemptID: attemptID, ItemID: "swap", Status: cart.StatusConfirmed}
	close(ch)
	return ch
}

type fakeReferrals struct {
	codes   map[common.Address]string
	cleared []common.Address
}

func (f *fakeReferrals) Current(buyer common.Address) (string, bool) {
	code, ok := f.codes[buyer]
	return code, ok
}

func (f *fakeReferrals) Clear(buyer common.Address) {
	f.cleared = append(f.cleared, buyer)
	delete(f.codes, buyer)
}

type fakeEvents struct {
	typ     monitor.EventType
	attempt string
	limit   int
}

func (f *fakeEvents) ListEvents(_ context.Context, eventType monitor.EventType, attemptID string, limit int) ([]monitor.Event, error) {
	f.typ, f.attempt, f.limit = eventType, attemptID, limit
	return []monitor.Event{{Type: eventType, AttemptID: attemptID}}, nil
}

type harness struct {
	server    *Server
	checkout  *fakeCheckout
	referrals *fakeReferrals
	events    *fakeEvents
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	db, err := store.NewSQLite(config.DatabaseConfig{Path: name, InMemory: true, MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	items, err := cart.NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore returned error: %v", err)
	}

	h := &harness{
		checkout:  &fakeCheckout{attempts: make(map[string]*plan.Plan)},
		referrals: &fakeReferrals{codes: make(map[common.Address]string)},
		events:    &fakeEvents{},
		metrics:   metrics.New(),
	}
	h.server = NewServer(config.ServerConfig{Port: 0}, Deps{
		Carts:     cart.NewRegistry(items, nil),
		Checkout:  h.checkout,
		Referrals: h.referrals,
		Events:    h.events,
		Metrics:   h.metrics,
	}, nil)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

const swapItemJSON = `{
	"id": "swap",
	"kind": "swap",
	"target": {"chain_id": 8453, "address": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
	"pay_with": "0x0000000000000000000000000000000000000000",
	"spend_usd": "25"
}`

func TestServer_CartLifecycle(t *testing.T) {
	h := newHarness(t, "api_cart")

	rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/items", swapItemJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodPost, "/carts/"+buyerHex+"/items", swapItemJSON)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate item, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/carts/"+buyerHex, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got cartResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "swap" {
		t.Fatalf("unexpected items %+v", got.Items)
	}
	if got.States["swap"].Status != cart.StatusPending {
		t.Errorf("expected pending state, got %+v", got.States["swap"])
	}

	rec = h.do(t, http.MethodDelete, "/carts/"+buyerHex+"/items/swap", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodDelete, "/carts/"+buyerHex+"/items/swap", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing item, got %d", rec.Code)
	}
}

func TestServer_ClearCartEndsReferralSession(t *testing.T) {
	h := newHarness(t, "api_clear")
	buyer := common.HexToAddress(buyerHex)
	h.referrals.codes[buyer] = "42"

	if rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/items", swapItemJSON); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	rec := h.do(t, http.MethodGet, "/carts/"+buyerHex, "")
	var got cartResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if got.ReferralCode != "42" {
		t.Errorf("expected referral code in cart view, got %q", got.ReferralCode)
	}

	if rec := h.do(t, http.MethodDelete, "/carts/"+buyerHex, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}
	rec = h.do(t, http.MethodGet, "/carts/"+buyerHex, "")
	got = cartResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if len(got.Items) != 0 || len(got.States) != 0 || got.ReferralCode != "" {
		t.Errorf("expected empty cart without referral, got %+v", got)
	}
	if len(h.referrals.cleared) != 1 || h.referrals.cleared[0] != buyer {
		t.Errorf("expected referral session cleared, got %v", h.referrals.cleared)
	}
}

func TestServer_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, "api_invalid")

	if rec := h.do(t, http.MethodGet, "/carts/not-an-address", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad buyer, got %d", rec.Code)
	}
	bad := `{"kind": "swap", "target": {"chain_id": 8453, "address": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"}, "spend_usd": "0"}`
	if rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/items", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero spend, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/items", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestServer_CheckoutBuildsAndExecutes(t *testing.T) {
	h := newHarness(t, "api_checkout")

	rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/checkout", `{"referral_code": " alice "}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	h.server.inflight.Wait()

	var got planResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if got.AttemptID != "attempt-1" {
		t.Errorf("unexpected attempt id %q", got.AttemptID)
	}
	if got.Failures["nft"].Code != "OrderNoLongerAvailable" || got.Failures["nft"].Reason != "filled" {
		t.Errorf("unexpected failures %+v", got.Failures)
	}
	if len(h.checkout.referrals) != 1 || h.checkout.referrals[0] != "alice" {
		t.Errorf("expected trimmed referral code, got %v", h.checkout.referrals)
	}
	if len(h.checkout.executed) != 1 {
		t.Errorf("expected plan to be executed once, got %v", h.checkout.executed)
	}

	rec = h.do(t, http.MethodGet, "/checkouts/attempt-1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for known attempt, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/checkouts/attempt-1/retry", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for retry, got %d: %s", rec.Code, rec.Body)
	}
	h.server.inflight.Wait()
	if len(h.checkout.retried) != 1 {
		t.Errorf("expected one retry, got %v", h.checkout.retried)
	}
}

func TestServer_CheckoutErrorStatus(t *testing.T) {
	h := newHarness(t, "api_checkout_err")

	cases := []struct {
		err    error
		status int
	}{
		{checkout.ErrEmptyCart, http.StatusConflict},
		{checkout.ErrBuyerMismatch, http.StatusForbidden},
		{fmt.Errorf("exchange 0xbad: %w", failure.ErrUnsupportedProtocol), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		h.checkout.buildErr = tc.err
		rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/checkout", "")
		if rec.Code != tc.status {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}

	if rec := h.do(t, http.MethodPost, "/checkouts/missing/retry", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown attempt, got %d", rec.Code)
	}

	h.checkout.buildErr = nil
	h.checkout.execErr = fmt.Errorf("%w: attempt-0", checkout.ErrCheckoutInProgress)
	if rec := h.do(t, http.MethodPost, "/carts/"+buyerHex+"/checkout", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while another checkout runs, got %d", rec.Code)
	}
}

func TestServer_EventsQuery(t *testing.T) {
	h := newHarness(t, "api_events")

	rec := h.do(t, http.MethodGet, "/events?type=ITEM_STATUS&attempt=a1&limit=5000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.events.typ != monitor.EventItemStatus || h.events.attempt != "a1" || h.events.limit != maxEventLimit {
		t.Errorf("unexpected query %+v", h.events)
	}

	h.do(t, http.MethodGet, "/events", "")
	if h.events.limit != defaultEventLimit {
		t.Errorf("expected default limit, got %d", h.events.limit)
	}
}

func TestServer_RecordsRouteTemplate(t *testing.T) {
	h := newHarness(t, "api_metrics")

	h.do(t, http.MethodGet, "/carts/"+buyerHex, "")
	h.do(t, http.MethodGet, "/carts/not-an-address", "")

	rec := h.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `route="/carts/{buyer}",status="200"`) || !strings.Contains(body, `route="/carts/{buyer}",status="400"`) {
		t.Errorf("expected templated routes in exposition, got:\n%s", body)
	}
	if n := testutil.CollectAndCount(h.metrics.Registry(), "storefront_api_requests_total"); n < 2 {
		t.Errorf("expected at least two request series, got %d", n)
	}
}

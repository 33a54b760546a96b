package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"storefront/internal/cart"
	"storefront/internal/failure"
	"storefront/internal/plan"
)

func TestMetrics_CountsByOutcome(t *testing.T) {
	m := New()

	m.ObserveQuote("primary", nil)
	m.ObserveQuote("primary", fmt.Errorf("http 429: %w", failure.ErrRateLimited))
	m.ObserveQuote("primary", errors.New("boom"))
	m.ObserveStep(plan.StepApprove, cart.StatusFailed, "StepReverted")
	m.ObserveItem(cart.StatusConfirmed, "")
	m.ObserveItem(cart.StatusConfirmed, "")

	if got := testutil.ToFloat64(m.quotes.WithLabelValues("primary", "ok")); got != 1 {
		t.Errorf("expected 1 ok quote, got %v", got)
	}
	if got := testutil.ToFloat64(m.quotes.WithLabelValues("primary", "RateLimited")); got != 1 {
		t.Errorf("expected 1 rate limited quote, got %v", got)
	}
	if got := testutil.ToFloat64(m.quotes.WithLabelValues("primary", "Unknown")); got != 1 {
		t.Errorf("expected 1 unknown quote error, got %v", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("approve", "failed", "StepReverted")); got != 1 {
		t.Errorf("expected 1 failed approve, got %v", got)
	}
	if got := testutil.ToFloat64(m.items.WithLabelValues("confirmed", "")); got != 2 {
		t.Errorf("expected 2 confirmed items, got %v", got)
	}
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/carts/{buyer}", 200, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `storefront_api_requests_total{method="GET",route="/carts/{buyer}",status="200"} 1`) {
		t.Errorf("expected request counter in exposition, got:\n%s", body)
	}
}

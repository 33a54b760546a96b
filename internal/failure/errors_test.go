package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
		code      string
	}{
		{"no route is terminal", ErrNoRoute, false, false, "NoRoute"},
		{"provider unavailable retries", fmt.Errorf("router: %w", ErrProviderUnavailable), true, false, "ProviderUnavailable"},
		{"rate limited retries", ErrRateLimited, true, false, "RateLimited"},
		{"unsupported protocol is fatal", fmt.Errorf("resolve: %w", ErrUnsupportedProtocol), false, true, "UnsupportedProtocol"},
		{"revert keeps reason", Reverted("TRANSFER_FAILED"), false, false, "StepReverted"},
		{"cancelled", context.Canceled, false, false, "Cancelled"},
		{"unconfirmed wins over deadline", fmt.Errorf("%w: %w", ErrUnconfirmed, context.DeadlineExceeded), false, false, "Unconfirmed"},
		{"unknown", errors.New("boom"), false, false, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable=%v want %v", got, tt.retryable)
			}
			if got := Fatal(tt.err); got != tt.fatal {
				t.Errorf("Fatal=%v want %v", got, tt.fatal)
			}
			if got := Code(tt.err); got != tt.code {
				t.Errorf("Code=%s want %s", got, tt.code)
			}
		})
	}
}

func TestItemErrorUnwraps(t *testing.T) {
	err := ForItem("item-1", ErrOrderNoLongerAvailable, "filled")
	if !errors.Is(err, ErrOrderNoLongerAvailable) {
		t.Fatalf("expected ItemError to unwrap to sentinel")
	}
	if err.Error() != "item item-1: order no longer available (filled)" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

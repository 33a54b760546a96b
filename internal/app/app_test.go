package app

import (
	"context"
	"testing"

	"storefront/internal/config"
)

func TestDialChains_AggregatesErrors(t *testing.T) {
	chains := []config.ChainConfig{
		{ChainID: 8453, RPCEndpoint: "unsupported://base"},
		{ChainID: 10, RPCEndpoint: "unsupported://optimism"},
	}

	clients, err := dialChains(context.Background(), chains, "", nil)
	if err == nil {
		t.Fatalf("expected dial error for unsupported transport")
	}
	if clients != nil {
		t.Errorf("expected no clients on failure, got %d", len(clients))
	}
}

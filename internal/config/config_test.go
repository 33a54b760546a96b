package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
chains:
  - chain_id: 8453
    name: Base
    rpc_endpoint: https://mainnet.base.org
    router_address: "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"
    wrapped_native: "0x4200000000000000000000000000000000000006"
quote:
  providers:
    - name: primary
      base_url: https://routing.example.com/v1
      timeout: 8s
orders:
  listings_url: https://listings.example.com/v1
database:
  in_memory: true
  path: cfg_test
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Quote.TTL != 45*time.Second {
		t.Errorf("expected 45s quote ttl, got %s", cfg.Quote.TTL)
	}
	if cfg.Execution.ItemTimeout != 10*time.Second {
		t.Errorf("expected 10s item timeout, got %s", cfg.Execution.ItemTimeout)
	}
	if cfg.Referral.FeeBps != 100 || cfg.Referral.MaxFeeBps != 100 {
		t.Errorf("unexpected referral fee %+v", cfg.Referral)
	}
	if chain, ok := cfg.Chain(8453); !ok || chain.Name != "Base" {
		t.Errorf("expected Base chain, got %+v %v", chain, ok)
	}
	if _, ok := cfg.Chain(1); ok {
		t.Errorf("expected unknown chain lookup to fail")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STOREFRONT_EXECUTION_SLIPPAGE_BPS", "75")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Execution.SlippageBps != 75 {
		t.Errorf("expected env override 75, got %d", cfg.Execution.SlippageBps)
	}
}

func TestLoad_ValidationAggregatesErrors(t *testing.T) {
	body := minimalYAML + `
execution:
  slippage_bps: 5000
referral:
  fee_bps: 300
  max_fee_bps: 100
`
	_, err := Load(writeConfig(t, body))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"execution.slippage_bps", "referral.fee_bps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

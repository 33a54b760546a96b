package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"storefront/internal/config"
)

type fakeSource struct {
	loads   int
	fetches int
	errs    []error
	candles []ccxt.OHLCV
}

func (f *fakeSource) LoadMarkets() error {
	f.loads++
	return nil
}

func (f *fakeSource) FetchOHLCV(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error) {
	f.fetches++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.candles, nil
}

func newTestClient(src marketSource) *Client {
	c := newClient(config.PriceFeedConfig{
		Exchange: "binanceusdm",
		Symbols:  map[string]string{"ETH": "ETH/USDT:USDT"},
		Retry:    config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, src, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClient_USDUsesLatestClose(t *testing.T) {
	src := &fakeSource{candles: []ccxt.OHLCV{
		{Timestamp: 1, Close: 2900},
		{Timestamp: 2, Close: 3000.5},
	}}
	c := newTestClient(src)

	price, err := c.USD(context.Background(), "eth")
	if err != nil {
		t.Fatalf("USD returned error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("3000.5")) {
		t.Errorf("unexpected price %s", price)
	}
	if _, err := c.USD(context.Background(), "ETH"); err != nil {
		t.Fatalf("second USD returned error: %v", err)
	}
	if src.loads != 1 {
		t.Errorf("markets should load once, got %d", src.loads)
	}
}

func TestClient_RetriesNetworkErrors(t *testing.T) {
	src := &fakeSource{
		errs:    []error{&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}},
		candles: []ccxt.OHLCV{{Close: 10}},
	}
	c := newTestClient(src)

	if _, err := c.USD(context.Background(), "eth"); err != nil {
		t.Fatalf("USD returned error: %v", err)
	}
	if src.fetches != 2 {
		t.Errorf("expected 2 fetches, got %d", src.fetches)
	}
}

func TestClient_MaintenanceIsTerminal(t *testing.T) {
	src := &fakeSource{errs: []error{&ccxt.Error{Type: ccxt.OnMaintenanceErrType}}}
	c := newTestClient(src)

	_, err := c.USD(context.Background(), "eth")
	if !errors.Is(err, ErrMaintenance) {
		t.Fatalf("expected ErrMaintenance, got %v", err)
	}
	if src.fetches != 1 {
		t.Errorf("maintenance should not be retried, got %d fetches", src.fetches)
	}
}

func TestClient_UnknownSymbol(t *testing.T) {
	c := newTestClient(&fakeSource{})
	if _, err := c.USD(context.Background(), "btc"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

type staticPrice decimal.Decimal

func (p staticPrice) USD(context.Context, string) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

var usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

func testChains() []config.ChainConfig {
	return []config.ChainConfig{{
		ChainID:      8453,
		NativeSymbol: "eth",
		Tokens: []config.TokenConfig{
			{Symbol: "USDC", Address: usdc.Hex(), Decimals: 6, Stable: true},
			{Symbol: "TOKENX", Address: "0x00000000000000000000000000000000000000aa", Decimals: 18},
		},
	}}
}

func TestConverter_ToBaseUnits(t *testing.T) {
	conv := NewConverter(staticPrice(decimal.NewFromInt(3000)), testChains())
	ctx := context.Background()

	wei, err := conv.ToBaseUnits(ctx, 8453, common.Address{}, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("native conversion returned error: %v", err)
	}
	// 100 / 3000 ETH = 0.0333... ETH, 向下取整
	want, _ := new(big.Int).SetString("33333333333333333", 10)
	if wei.Cmp(want) != 0 {
		t.Errorf("native units=%s want %s", wei, want)
	}

	units, err := conv.ToBaseUnits(ctx, 8453, usdc, decimal.RequireFromString("12.3456789"))
	if err != nil {
		t.Fatalf("stable conversion returned error: %v", err)
	}
	if units.Int64() != 12_345_678 {
		t.Errorf("stable units=%s want 12345678", units)
	}

	if _, err := conv.ToBaseUnits(ctx, 8453, common.HexToAddress("0x00000000000000000000000000000000000000aa"), decimal.NewFromInt(1)); !errors.Is(err, ErrUnpricedAsset) {
		t.Errorf("expected ErrUnpricedAsset, got %v", err)
	}
}

func TestConverter_NativeToToken(t *testing.T) {
	conv := NewConverter(staticPrice(decimal.NewFromInt(3000)), testChains())
	rate, err := conv.NativeToToken(context.Background(), 8453, usdc)
	if err != nil {
		t.Fatalf("NativeToToken returned error: %v", err)
	}
	// 1e18 wei = 3000e6 usdc units
	got := new(big.Rat).Mul(rate, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	if got.Cmp(big.NewRat(3_000_000_000, 1)) != 0 {
		t.Errorf("unexpected rate %s", rate)
	}
}

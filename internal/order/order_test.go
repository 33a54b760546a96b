package order

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"storefront/internal/cache"
	"storefront/internal/cart"
	"storefront/internal/config"
	"storefront/internal/failure"
)

var (
	seaport11 = common.HexToAddress("0x00000000006c3852cbEf3e08E8df289169ede581")
	seaport15 = common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC")
	unknownEx = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

func sampleParams() BasicOrderParameters {
	return BasicOrderParameters{
		ConsiderationIdentifier:           new(big.Int),
		ConsiderationAmount:               big.NewInt(970),
		Offerer:                           common.HexToAddress("0x0000000000000000000000000000000000000a01"),
		OfferToken:                        common.HexToAddress("0x0000000000000000000000000000000000000c01"),
		OfferIdentifier:                   big.NewInt(42),
		OfferAmount:                       big.NewInt(1),
		StartTime:                         big.NewInt(0),
		EndTime:                           big.NewInt(4_102_444_800),
		Salt:                              big.NewInt(7),
		TotalOriginalAdditionalRecipients: big.NewInt(1),
		AdditionalRecipients: []AdditionalRecipient{
			{Amount: big.NewInt(30), Recipient: common.HexToAddress("0x0000000000000000000000000000000000000fee")},
		},
		Signature: []byte{0x01, 0x02},
	}
}

func TestAdapterFor_ClosedTable(t *testing.T) {
	tests := []struct {
		exchange common.Address
		protocol Protocol
		selector []byte
	}{
		{seaport11, ProtocolSeaport11, common.FromHex("0xfb0f3ee1")},
		{seaport15, ProtocolSeaport15, common.FromHex("0x00000000")},
	}
	for _, tt := range tests {
		adapter, err := AdapterFor(tt.exchange)
		if err != nil {
			t.Fatalf("AdapterFor(%s) returned error: %v", tt.exchange, err)
		}
		if adapter.Protocol() != tt.protocol {
			t.Errorf("protocol=%s want %s", adapter.Protocol(), tt.protocol)
		}
		data, err := adapter.EncodeFulfillment(sampleParams())
		if err != nil {
			t.Fatalf("EncodeFulfillment returned error: %v", err)
		}
		if !bytes.Equal(data[:4], tt.selector) {
			t.Errorf("%s selector=%x want %x", tt.protocol, data[:4], tt.selector)
		}
	}

	if _, err := AdapterFor(unknownEx); !errors.Is(err, failure.ErrUnsupportedProtocol) {
		t.Errorf("expected ErrUnsupportedProtocol, got %v", err)
	}
}

func TestUnpackOrderStatus(t *testing.T) {
	outputs := seaportABI.Methods[methodGetOrderStatus].Outputs
	tests := []struct {
		name      string
		cancelled bool
		filled    int64
		size      int64
		want      Status
	}{
		{"fresh", false, 0, 0, StatusActive},
		{"partial", false, 1, 2, StatusActive},
		{"filled", false, 2, 2, StatusFilled},
		{"cancelled", true, 0, 0, StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := outputs.Pack(true, tt.cancelled, big.NewInt(tt.filled), big.NewInt(tt.size))
			if err != nil {
				t.Fatalf("Pack returned error: %v", err)
			}
			got, err := UnpackOrderStatus(data)
			if err != nil {
				t.Fatalf("UnpackOrderStatus returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("status=%s want %s", got, tt.want)
			}
		})
	}
}

type fakeStates struct {
	mu     sync.Mutex
	calls  int
	status Status
}

func (f *fakeStates) OrderStatus(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.status, nil
}

func (f *fakeStates) set(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

type fakeListings struct {
	params BasicOrderParameters
}

func (f fakeListings) Parameters(context.Context, uint64, common.Address, common.Hash) (BasicOrderParameters, error) {
	return f.params, nil
}

func newTestResolver(t *testing.T, states StateProvider) *Resolver {
	t.Helper()
	liveness, err := cache.NewTTL(context.Background(), time.Minute, config.CacheConfig{})
	if err != nil {
		t.Fatalf("NewTTL returned error: %v", err)
	}
	t.Cleanup(func() { _ = liveness.Close() })
	return NewResolver(states, fakeListings{params: sampleParams()}, liveness, time.Second, nil)
}

func TestResolver_CachedCheckAndAuthoritativeRecheck(t *testing.T) {
	states := &fakeStates{status: StatusActive}
	r := newTestResolver(t, states)
	ref := cart.OrderRef{Exchange: seaport15, OrderHash: common.HexToHash("0xaa")}
	ctx := context.Background()

	mo, adapter, err := r.Resolve(ctx, 8453, ref)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if adapter.Protocol() != ProtocolSeaport15 || mo.Protocol != ProtocolSeaport15 {
		t.Errorf("unexpected protocol %s", mo.Protocol)
	}
	if mo.Parameters.TotalPayment().Int64() != 1_000 {
		t.Errorf("unexpected total payment %s", mo.Parameters.TotalPayment())
	}

	// 挂单被他人成交，缓存仍返回旧状态，权威检查必须发现
	states.set(StatusFilled)
	if status, _ := r.Check(ctx, 8453, ref.Exchange, ref.OrderHash); status != StatusActive {
		t.Errorf("cached check should serve cached status, got %s", status)
	}
	if err := r.Live(ctx, 8453, ref); !errors.Is(err, failure.ErrOrderNoLongerAvailable) {
		t.Fatalf("expected ErrOrderNoLongerAvailable from recheck, got %v", err)
	}
	if status, _ := r.Check(ctx, 8453, ref.Exchange, ref.OrderHash); status != StatusFilled {
		t.Errorf("recheck should refresh cache, got %s", status)
	}
	if states.calls != 2 {
		t.Errorf("expected 2 on-chain reads, got %d", states.calls)
	}
}

func TestResolver_UnsupportedExchangeIsHardStop(t *testing.T) {
	states := &fakeStates{status: StatusActive}
	r := newTestResolver(t, states)

	_, _, err := r.Resolve(context.Background(), 8453, cart.OrderRef{Exchange: unknownEx, OrderHash: common.HexToHash("0x01")})
	if !errors.Is(err, failure.ErrUnsupportedProtocol) {
		t.Fatalf("expected ErrUnsupportedProtocol, got %v", err)
	}
	if states.calls != 0 {
		t.Errorf("unsupported exchange must not be queried")
	}
}

func TestResolver_ExpiredListing(t *testing.T) {
	states := &fakeStates{status: StatusActive}
	r := newTestResolver(t, states)
	r.now = func() time.Time { return time.Unix(4_102_444_800, 0) }

	_, _, err := r.Resolve(context.Background(), 8453, cart.OrderRef{Exchange: seaport15, OrderHash: common.HexToHash("0x02")})
	if !errors.Is(err, failure.ErrOrderNoLongerAvailable) {
		t.Errorf("expected expired listing to be unavailable, got %v", err)
	}
}

type fakeCaller struct {
	to   common.Address
	data []byte
	out  []byte
}

func (f *fakeCaller) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.to = to
	f.data = data
	return f.out, nil
}

func TestOnChainState_EncodesGetOrderStatus(t *testing.T) {
	out, err := seaportABI.Methods[methodGetOrderStatus].Outputs.Pack(true, false, big.NewInt(1), big.NewInt(1))
	if err != nil {
		t.Fatalf("Pack returned error: %v", err)
	}
	caller := &fakeCaller{out: out}
	state := NewOnChainState(map[uint64]Caller{8453: caller})

	status, err := state.OrderStatus(context.Background(), 8453, seaport11, common.HexToHash("0xbeef"))
	if err != nil {
		t.Fatalf("OrderStatus returned error: %v", err)
	}
	if status != StatusFilled {
		t.Errorf("status=%s want filled", status)
	}
	if caller.to != seaport11 || len(caller.data) != 4+32 {
		t.Errorf("unexpected call to=%s len=%d", caller.to, len(caller.data))
	}
	if _, err := state.OrderStatus(context.Background(), 1, seaport11, common.Hash{}); err == nil {
		t.Errorf("expected error for unconfigured chain")
	}
}

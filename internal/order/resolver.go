package order

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"storefront/internal/cache"
	"storefront/internal/cart"
	"storefront/internal/failure"
)

func errUnknownChain(chainID uint64) error {
	return fmt.Errorf("order: 未配置链 %d", chainID)
}

// Resolver 解析挂单：选择适配器、获取参数并检查存活。
type Resolver struct {
	states   StateProvider
	listings ListingSource
	cache    *cache.TTL
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver 创建挂单解析器；liveness 为存活检查结果缓存，可为空。
func NewResolver(states StateProvider, listings ListingSource, liveness *cache.TTL, timeout time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Resolver{
		states:   states,
		listings: listings,
		cache:    liveness,
		timeout:  timeout,
		logger:   logger.Named("order"),
		now:      time.Now,
	}
}

// Resolve 返回挂单及其适配器。地址未登记时立即返回 ErrUnsupportedProtocol；
// 挂单已成交、已取消或已过期时返回 ErrOrderNoLongerAvailable。存活检查使用缓存。
func (r *Resolver) Resolve(ctx context.Context, chainID uint64, ref cart.OrderRef) (MarketOrder, Adapter, error) {
	adapter, err := AdapterFor(ref.Exchange)
	if err != nil {
		return MarketOrder{}, nil, err
	}

	status, err := r.Check(ctx, chainID, ref.Exchange, ref.OrderHash)
	if err != nil {
		return MarketOrder{}, nil, err
	}
	if status != StatusActive {
		return MarketOrder{}, nil, unavailable(ref.OrderHash, status)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	params, err := r.listings.Parameters(callCtx, chainID, ref.Exchange, ref.OrderHash)
	cancel()
	if err != nil {
		return MarketOrder{}, nil, err
	}

	now := r.now()
	if params.EndTime != nil && params.EndTime.Sign() > 0 && params.EndTime.Cmp(big.NewInt(now.Unix())) <= 0 {
		return MarketOrder{}, nil, fmt.Errorf("order: 挂单 %s 已于 %s 过期: %w",
			ref.OrderHash.Hex(), time.Unix(params.EndTime.Int64(), 0).UTC().Format(time.RFC3339), failure.ErrOrderNoLongerAvailable)
	}
	// 成交方自行选择不使用 conduit，授权直接给交易所合约
	params.FulfillerConduitKey = [32]byte{}

	return MarketOrder{
		Protocol:   adapter.Protocol(),
		Exchange:   ref.Exchange,
		OrderHash:  ref.OrderHash,
		ChainID:    chainID,
		Parameters: params,
		Status:     status,
		CheckedAt:  now,
	}, adapter, nil
}

// Check 为廉价检查，优先读取缓存。
func (r *Resolver) Check(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (Status, error) {
	if r.cache != nil {
		if raw, ok := r.cache.Get(cacheKey(chainID, exchange, orderHash)); ok {
			return Status(raw), nil
		}
	}
	return r.Recheck(ctx, chainID, exchange, orderHash)
}

// Recheck 为权威检查，绕过缓存直接查询链上状态并刷新缓存；
// 应在最终确定成交步骤前调用。
func (r *Resolver) Recheck(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (Status, error) {
	if ProtocolFor(exchange) == ProtocolUnsupported {
		return "", fmt.Errorf("order: 交易所 %s: %w", exchange.Hex(), failure.ErrUnsupportedProtocol)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status, err := r.states.OrderStatus(callCtx, chainID, exchange, orderHash)
	if err != nil {
		r.logger.Warn("挂单状态查询失败",
			zap.Uint64("chain_id", chainID),
			zap.String("order_hash", orderHash.Hex()),
			zap.Error(err),
		)
		return "", fmt.Errorf("order: 查询挂单 %s 状态失败: %w", orderHash.Hex(), err)
	}

	if r.cache != nil {
		if err := r.cache.Set(cacheKey(chainID, exchange, orderHash), []byte(status)); err != nil {
			r.logger.Debug("写入挂单状态缓存失败", zap.Error(err))
		}
	}
	return status, nil
}

// Live 执行权威检查并将非活跃状态转换为 ErrOrderNoLongerAvailable。
func (r *Resolver) Live(ctx context.Context, chainID uint64, ref cart.OrderRef) error {
	status, err := r.Recheck(ctx, chainID, ref.Exchange, ref.OrderHash)
	if err != nil {
		return err
	}
	if status != StatusActive {
		return unavailable(ref.OrderHash, status)
	}
	return nil
}

func unavailable(orderHash common.Hash, status Status) error {
	return fmt.Errorf("order: 挂单 %s 状态为 %s: %w", orderHash.Hex(), status, failure.ErrOrderNoLongerAvailable)
}

// IsUnavailable 判断错误是否表示挂单已不可成交。
func IsUnavailable(err error) bool {
	return errors.Is(err, failure.ErrOrderNoLongerAvailable)
}

func cacheKey(chainID uint64, exchange common.Address, orderHash common.Hash) string {
	return fmt.Sprintf("order:%d:%s:%s", chainID, exchange.Hex(), orderHash.Hex())
}

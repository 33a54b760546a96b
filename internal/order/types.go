package order

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status 为挂单在市场合约上的状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// MarketOrder 为已解析的 NFT 挂单，绑定唯一交易所合约。
type MarketOrder struct {
	Protocol   Protocol
	Exchange   common.Address
	OrderHash  common.Hash
	ChainID    uint64
	Parameters BasicOrderParameters
	Status     Status
	CheckedAt  time.Time
}

// PaymentToken 返回支付资产，零地址表示原生资产。
func (o MarketOrder) PaymentToken() common.Address {
	return o.Parameters.ConsiderationToken
}

// StateProvider 查询挂单状态。
type StateProvider interface {
	OrderStatus(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (Status, error)
}

// ListingSource 查询挂单的原始成交参数。
type ListingSource interface {
	Parameters(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (BasicOrderParameters, error)
}

// Caller 执行只读合约调用。
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// OnChainState 通过 Seaport getOrderStatus 读取挂单状态。
type OnChainState struct {
	callers map[uint64]Caller
}

// NewOnChainState 创建链上状态查询器。
func NewOnChainState(callers map[uint64]Caller) *OnChainState {
	return &OnChainState{callers: callers}
}

// OrderStatus 实现 StateProvider。
func (s *OnChainState) OrderStatus(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (Status, error) {
	caller, ok := s.callers[chainID]
	if !ok {
		return "", errUnknownChain(chainID)
	}
	data, err := PackGetOrderStatus(orderHash)
	if err != nil {
		return "", err
	}
	out, err := caller.Call(ctx, exchange, data)
	if err != nil {
		return "", err
	}
	return UnpackOrderStatus(out)
}

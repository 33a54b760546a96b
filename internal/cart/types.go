package cart

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Kind 表示购物车条目类型。
type Kind string

const (
	KindSwap           Kind = "swap"
	KindNftFulfillment Kind = "nft_fulfillment"
	KindDonation       Kind = "donation"
)

// Status 表示条目在一次结算中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusQuoted    Status = "quoted"
	StatusBuilt     Status = "built"
	StatusSubmitted Status = "submitted"
	// StatusUnconfirmed 表示交易已广播但结果未知，重试前必须先按哈希查询。
	StatusUnconfirmed Status = "unconfirmed"
	StatusConfirmed   Status = "confirmed"
	StatusFailed      Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// NativeAsset 表示链原生资产，使用零地址。
var NativeAsset = common.Address{}

// Asset 通过链 ID 与合约地址定位资产。
type Asset struct {
	ChainID uint64         `json:"chain_id"`
	Address common.Address `json:"address"`
}

// IsNative 判断是否为原生资产。
func (a Asset) IsNative() bool {
	return a.Address == NativeAsset
}

// OrderRef 指向某个市场合约上的挂单。
type OrderRef struct {
	Exchange  common.Address `json:"exchange"`
	OrderHash common.Hash    `json:"order_hash"`
}

// Item 为购物车中的一条购买意图。
type Item struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Target Asset  `json:"target"`
	// PayWith 为兑换的输入资产，零地址表示原生资产。
	PayWith       common.Address   `json:"pay_with"`
	Spend         decimal.Decimal  `json:"spend_usd"`
	Order         *OrderRef        `json:"order,omitempty"`
	RecordedPrice *decimal.Decimal `json:"recorded_price,omitempty"`
	AddedAt       time.Time        `json:"added_at"`
}

// ChainID 返回条目所在链。
func (i Item) ChainID() uint64 {
	return i.Target.ChainID
}

// Validate 校验条目字段合法性。
func (i Item) Validate() error {
	if i.Target.ChainID == 0 {
		return errors.New("cart: chain_id 不能为空")
	}
	switch i.Kind {
	case KindSwap:
		if !i.Spend.IsPositive() {
			return errors.New("cart: 兑换金额必须为正")
		}
		if i.Target.IsNative() {
			return errors.New("cart: 兑换目标不能是原生资产")
		}
		if i.PayWith == i.Target.Address {
			return errors.New("cart: 兑换输入与输出资产相同")
		}
	case KindNftFulfillment:
		if i.Order == nil {
			return errors.New("cart: NFT 条目缺少挂单引用")
		}
		if i.Order.OrderHash == (common.Hash{}) {
			return errors.New("cart: NFT 条目缺少 order hash")
		}
	case KindDonation:
		if !i.Spend.IsPositive() {
			return errors.New("cart: 捐赠金额必须为正")
		}
	default:
		return fmt.Errorf("cart: 不支持的条目类型 %q", i.Kind)
	}
	return nil
}

// StatusEvent 由结算协调器发出，购物车订阅后更新自身状态。
type StatusEvent struct {
	AttemptID string `json:"attempt_id"`
	ItemID    string `json:"item_id"`
	StepID    string `json:"step_id,omitempty"`
	Status    Status `json:"status"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	// Settled 表示条目的链上效果已经发生，即使结果不达预期也不能再次购买。
	Settled bool      `json:"settled,omitempty"`
	At      time.Time `json:"at"`
	Err     error     `json:"-"`
}

// ItemState 为购物车对外暴露的条目状态槽。
type ItemState struct {
	Status    Status    `json:"status"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot 为结算开始时刻的购物车快照，之后的编辑不影响本次结算。
type Snapshot struct {
	Buyer   common.Address `json:"buyer"`
	Items   []Item         `json:"items"`
	TakenAt time.Time      `json:"taken_at"`
}

package execution

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"storefront/internal/cart"
	"storefront/internal/plan"
)

// Receipt 为链上确认结果。
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Reverted    bool
	// Reason 为回滚原因，可能为空。
	Reason string
	// Output 为兑换实际输出，无法解析时为空。
	Output *big.Int
}

// Mined 判断交易已上链且未回滚，此时步骤的链上效果已经发生。
func (r Receipt) Mined() bool {
	return r.TxHash != (common.Hash{}) && !r.Reverted
}

// Handle 为已广播交易的句柄。
type Handle interface {
	Hash() common.Hash
	Wait(ctx context.Context) (Receipt, error)
}

// Broadcaster 抽象签名与广播层，一次接受一个结算步骤。
// Resume 为已广播的交易重建句柄，只查询结果，不会再次签名或广播。
type Broadcaster interface {
	Submit(ctx context.Context, step plan.Step) (Handle, error)
	Resume(ctx context.Context, step plan.Step, hash common.Hash) (Handle, error)
}

// Rebuilder 为失败条目重新询价、重新检查挂单并构建新计划。
type Rebuilder interface {
	Rebuild(ctx context.Context, previous *plan.Plan, itemIDs []string) (*plan.Plan, error)
}

// Observer 接收步骤结果，用于指标统计。
type Observer interface {
	ObserveStep(kind plan.StepKind, status cart.Status, code string)
}

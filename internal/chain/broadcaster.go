package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"storefront/internal/execution"
	"storefront/internal/plan"
)

// Clients 按链 ID 持有节点客户端，并将步骤分派到对应链。
type Clients map[uint64]*Client

// Get 返回指定链的客户端。
func (cs Clients) Get(chainID uint64) (*Client, error) {
	c, ok := cs[chainID]
	if !ok {
		return nil, fmt.Errorf("chain: 未配置链 %d", chainID)
	}
	return c, nil
}

// Submit 实现 execution.Broadcaster。
func (cs Clients) Submit(ctx context.Context, step plan.Step) (execution.Handle, error) {
	c, err := cs.Get(step.ChainID)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, step)
}

// Resume 按步骤所在链恢复已广播交易的句柄。
func (cs Clients) Resume(ctx context.Context, step plan.Step, hash common.Hash) (execution.Handle, error) {
	c, err := cs.Get(step.ChainID)
	if err != nil {
		return nil, err
	}
	return c.Resume(ctx, step, hash)
}

// Call 在指定链上执行只读调用。
func (cs Clients) Call(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	c, err := cs.Get(chainID)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, to, data)
}

// GasPrice 返回指定链的建议 gas 价格。
func (cs Clients) GasPrice(ctx context.Context, chainID uint64) (*big.Int, error) {
	c, err := cs.Get(chainID)
	if err != nil {
		return nil, err
	}
	return c.GasPrice(ctx)
}

// Signer 返回签名账户；所有链共用同一私钥，未配置时为零地址。
func (cs Clients) Signer() common.Address {
	for _, c := range cs {
		return c.From()
	}
	return common.Address{}
}

// Close 关闭全部连接。
func (cs Clients) Close() {
	for _, c := range cs {
		c.Close()
	}
}

// Package chain 封装 EVM 节点的读调用、签名与广播。
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"storefront/internal/config"
	"storefront/internal/execution"
	"storefront/internal/failure"
	"storefront/internal/plan"
)

// ErrNoSigner 表示未配置签名私钥，只能执行只读调用。
var ErrNoSigner = errors.New("chain: 未配置签名私钥")

// transferTopic 为 ERC20 Transfer(address,address,uint256) 事件签名。
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// backend 为 Client 使用的节点接口，ethclient.Client 满足该接口。
type backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Client 包装单条 EVM 链的节点连接。
type Client struct {
	backend    backend
	chainID    uint64
	name       string
	privateKey *ecdsa.PrivateKey
	from       common.Address
	logger     *zap.Logger

	// nonceMu 串行化同一账户的签名与广播，避免 nonce 冲突。
	nonceMu      sync.Mutex
	pollInterval time.Duration
}

// Dial 连接 RPC 节点并校验链 ID。signerKey 为空时客户端只读。
func Dial(ctx context.Context, cfg config.ChainConfig, signerKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: 连接 RPC %s 失败: %w", cfg.RPCEndpoint, err)
	}

	remote, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("chain: 获取链 ID 失败: %w", err)
	}
	if remote.Uint64() != cfg.ChainID {
		ethClient.Close()
		return nil, fmt.Errorf("chain: 节点链 ID %s 与配置 %d 不一致", remote, cfg.ChainID)
	}

	c, err := newClient(ethClient, cfg, signerKey, logger)
	if err != nil {
		ethClient.Close()
		return nil, err
	}
	return c, nil
}

func newClient(b backend, cfg config.ChainConfig, signerKey string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		backend:      b,
		chainID:      cfg.ChainID,
		name:         cfg.Name,
		logger:       logger.Named("chain").With(zap.Uint64("chain_id", cfg.ChainID)),
		pollInterval: 2 * time.Second,
	}

	if signerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: 解析私钥失败: %w", err)
		}
		pub, ok := key.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("chain: 公钥类型转换失败")
		}
		c.privateKey = key
		c.from = crypto.PubkeyToAddress(*pub)
	}

	c.logger.Info("EVM 客户端已初始化",
		zap.String("chain_name", cfg.Name),
		zap.String("signer", c.from.Hex()),
	)
	return c, nil
}

// Close 关闭节点连接。
func (c *Client) Close() {
	c.backend.Close()
}

// ChainID 返回链 ID。
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// From 返回签名账户地址，未配置私钥时为零地址。
func (c *Client) From() common.Address {
	return c.from
}

// Call 在最新区块上执行只读调用；合约回滚时返回包装 failure.ErrStepReverted 的错误。
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, failure.Reverted(reason)
		}
		return nil, fmt.Errorf("chain: eth_call %s 失败: %w", to.Hex(), err)
	}
	return out, nil
}

// GasPrice 返回节点建议的 gas 价格。
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: 获取 gas 价格失败: %w", err)
	}
	return price, nil
}

// Submit 签名并广播一个结算步骤。估算 gas 阶段的回滚直接返回，不上链。
func (c *Client) Submit(ctx context.Context, step plan.Step) (execution.Handle, error) {
	if c.privateKey == nil {
		return nil, ErrNoSigner
	}
	if step.ChainID != c.chainID {
		return nil, fmt.Errorf("chain: 步骤 %s 属于链 %d，当前客户端为 %d", step.ID, step.ChainID, c.chainID)
	}

	msg := c.callMsg(step)
	value := msg.Value

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("chain: 获取 nonce 失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: 获取 gas 价格失败: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, failure.Reverted(reason)
		}
		return nil, fmt.Errorf("chain: 估算 gas 失败: %w", err)
	}
	// 预留 20% 余量
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, step.Target, value, gasLimit, gasPrice, step.Data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(new(big.Int).SetUint64(c.chainID)), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("chain: 签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: 广播交易失败: %w", err)
	}

	c.logger.Info("交易已广播",
		zap.String("step_id", step.ID),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", step.Target.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit),
	)

	return c.pending(step, signed.Hash()), nil
}

// Resume 为已广播的交易重建句柄，用于查询先前未能确认的结果。
func (c *Client) Resume(_ context.Context, step plan.Step, hash common.Hash) (execution.Handle, error) {
	if step.ChainID != c.chainID {
		return nil, fmt.Errorf("chain: 步骤 %s 属于链 %d，当前客户端为 %d", step.ID, step.ChainID, c.chainID)
	}
	return c.pending(step, hash), nil
}

func (c *Client) callMsg(step plan.Step) ethereum.CallMsg {
	value := step.Value
	if value == nil {
		value = new(big.Int)
	}
	return ethereum.CallMsg{From: c.from, To: &step.Target, Data: step.Data, Value: value}
}

func (c *Client) pending(step plan.Step, hash common.Hash) *pendingTx {
	h := &pendingTx{client: c, hash: hash, msg: c.callMsg(step)}
	if step.Kind == plan.StepSwap && step.Quote != nil {
		h.outputToken = step.Quote.TokenOut
	}
	return h
}

type pendingTx struct {
	client      *Client
	hash        common.Hash
	msg         ethereum.CallMsg
	outputToken common.Address
}

func (p *pendingTx) Hash() common.Hash {
	return p.hash
}

// Wait 轮询回执直到交易上链或 ctx 结束。
func (p *pendingTx) Wait(ctx context.Context) (execution.Receipt, error) {
	c := p.client
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return execution.Receipt{}, fmt.Errorf("chain: 等待交易 %s 确认: %w", p.hash.Hex(), ctx.Err())
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, p.hash)
			if err != nil || receipt == nil {
				// 尚未打包
				continue
			}
			return p.toReceipt(ctx, receipt), nil
		}
	}
}

func (p *pendingTx) toReceipt(ctx context.Context, r *types.Receipt) execution.Receipt {
	out := execution.Receipt{
		TxHash:  p.hash,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}

	if r.Status == types.ReceiptStatusFailed {
		out.Reverted = true
		out.Reason = p.replay(ctx, r.BlockNumber)
		p.client.logger.Warn("交易回滚",
			zap.String("tx_hash", p.hash.Hex()),
			zap.String("reason", out.Reason),
		)
		return out
	}

	if p.outputToken != (common.Address{}) {
		out.Output = receivedAmount(r.Logs, p.outputToken, p.client.from)
	}
	return out
}

// replay 在上一个区块状态上重放交易以取得回滚原因，失败时返回空串。
func (p *pendingTx) replay(ctx context.Context, block *big.Int) string {
	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, big.NewInt(1))
	}
	_, err := p.client.backend.CallContract(ctx, p.msg, at)
	if err == nil {
		return ""
	}
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return ""
}

// receivedAmount 汇总 token 转入 recipient 的数量；没有匹配日志时返回 nil。
func receivedAmount(logs []*types.Log, token, recipient common.Address) *big.Int {
	var total *big.Int
	for _, l := range logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		if total == nil {
			total = new(big.Int)
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}

// revertReason 从节点错误中提取回滚原因。
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
		return err.Error(), true
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}

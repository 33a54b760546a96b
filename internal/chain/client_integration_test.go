//go:build integration
// +build integration

package chain

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"storefront/internal/config"
	"storefront/internal/plan"
)

// 仅执行只读调用，不广播交易。
func TestClientIntegration_ReadOnlyCalls(t *testing.T) {
	configPath := os.Getenv("STOREFRONT_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if len(cfg.Chains) == 0 || cfg.Chains[0].RPCEndpoint == "" {
		t.Skip("配置缺少链 RPC，跳过测试")
	}
	chainCfg := cfg.Chains[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger, _ := zap.NewDevelopment()
	c, err := Dial(ctx, chainCfg, "", logger)
	if err != nil {
		t.Fatalf("连接节点失败: %v", err)
	}
	defer c.Close()

	price, err := c.GasPrice(ctx)
	if err != nil {
		t.Fatalf("获取 gas 价格失败: %v", err)
	}
	if price.Sign() <= 0 {
		t.Fatalf("gas 价格无效: %s", price)
	}

	if len(chainCfg.Tokens) == 0 {
		t.Skip("配置缺少代币，跳过授权额度查询")
	}
	token := chainCfg.Tokens[0]
	data, err := plan.EncodeAllowance(c.From(), common.HexToAddress(chainCfg.RouterAddress))
	if err != nil {
		t.Fatalf("编码 allowance 失败: %v", err)
	}
	out, err := c.Call(ctx, common.HexToAddress(token.Address), data)
	if err != nil {
		t.Fatalf("查询授权额度失败: %v", err)
	}
	if _, err := plan.DecodeAllowance(out); err != nil {
		t.Fatalf("解析授权额度失败: %v", err)
	}
}

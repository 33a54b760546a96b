package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了结算服务运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Chains    []ChainConfig   `mapstructure:"chains"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Referral  ReferralConfig  `mapstructure:"referral"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Execution ExecutionConfig `mapstructure:"execution"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 控制 HTTP 接口。
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChainConfig 描述一条 EVM 链。
type ChainConfig struct {
	ChainID         uint64        `mapstructure:"chain_id"`
	Name            string        `mapstructure:"name"`
	RPCEndpoint     string        `mapstructure:"rpc_endpoint"`
	NativeSymbol    string        `mapstructure:"native_symbol"`
	RouterAddress   string        `mapstructure:"router_address"`
	WrappedNative   string        `mapstructure:"wrapped_native"`
	DonationAddress string        `mapstructure:"donation_address"`
	ReferralNFT     string        `mapstructure:"referral_nft"`
	Tokens          []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig 描述链上可购买或支付的 ERC20。
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals uint8  `mapstructure:"decimals"`
	Stable   bool   `mapstructure:"stable"`
}

// QuoteConfig 控制询价行为。
type QuoteConfig struct {
	Providers   []ProviderConfig `mapstructure:"providers"`
	Concurrency int              `mapstructure:"concurrency"`
	TTL         time.Duration    `mapstructure:"ttl"`
	Retry       RetryConfig      `mapstructure:"retry"`
}

// ProviderConfig 描述单个路由服务。
type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ReferralConfig 管理推荐费参数。
type ReferralConfig struct {
	FeeBps       uint32        `mapstructure:"fee_bps"`
	MaxFeeBps    uint32        `mapstructure:"max_fee_bps"`
	OwnershipTTL time.Duration `mapstructure:"ownership_ttl"`
}

// OrdersConfig 控制挂单存活检查。
type OrdersConfig struct {
	LivenessTTL  time.Duration `mapstructure:"liveness_ttl"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	// ListingsURL 为挂单参数查询服务地址。
	ListingsURL string `mapstructure:"listings_url"`
	APIKey      string `mapstructure:"api_key"`
}

// ExecutionConfig 控制结算提交行为。
type ExecutionConfig struct {
	SlippageBps    uint32        `mapstructure:"slippage_bps"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	// ItemTimeout 限制单个条目在构建前询价与检查的总耗时。
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
	SignerKey   string        `mapstructure:"signer_key"`
}

// PriceFeedConfig 控制原生资产美元报价来源。
type PriceFeedConfig struct {
	Exchange string            `mapstructure:"exchange"`
	Symbols  map[string]string `mapstructure:"symbols"`
	Retry    RetryConfig       `mapstructure:"retry"`
}

// CacheConfig 控制进程内缓存。
type CacheConfig struct {
	MaxEntrySize int           `mapstructure:"max_entry_size"`
	CleanWindow  time.Duration `mapstructure:"clean_window"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Chain 按链 ID 查找链配置。
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if len(c.Chains) == 0 {
		err = multierr.Append(err, errors.New("chains 至少需要配置一条链"))
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.ChainID == 0 {
			err = multierr.Append(err, fmt.Errorf("chains[%d].chain_id 不能为空", i))
		}
		if _, dup := seen[chain.ChainID]; dup {
			err = multierr.Append(err, fmt.Errorf("chains[%d].chain_id %d 重复", i, chain.ChainID))
		}
		seen[chain.ChainID] = struct{}{}
		if chain.RPCEndpoint == "" {
			err = multierr.Append(err, fmt.Errorf("chains[%d].rpc_endpoint 不能为空", i))
		}
		if chain.RouterAddress == "" {
			err = multierr.Append(err, fmt.Errorf("chains[%d].router_address 不能为空", i))
		}
		if chain.WrappedNative == "" {
			err = multierr.Append(err, fmt.Errorf("chains[%d].wrapped_native 不能为空", i))
		}
		for j, token := range chain.Tokens {
			if token.Address == "" || token.Symbol == "" {
				err = multierr.Append(err, fmt.Errorf("chains[%d].tokens[%d] 缺少 symbol 或 address", i, j))
			}
		}
	}
	if len(c.Quote.Providers) == 0 {
		err = multierr.Append(err, errors.New("quote.providers 至少需要一个路由服务"))
	}
	for i, p := range c.Quote.Providers {
		if p.Name == "" || p.BaseURL == "" {
			err = multierr.Append(err, fmt.Errorf("quote.providers[%d] 缺少 name 或 base_url", i))
		}
		if p.Timeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("quote.providers[%d].timeout 必须大于0", i))
		}
	}
	if c.Quote.Concurrency <= 0 || c.Quote.Concurrency > 8 {
		err = multierr.Append(err, errors.New("quote.concurrency 必须位于[1,8]"))
	}
	if c.Quote.TTL < 30*time.Second || c.Quote.TTL > 60*time.Second {
		err = multierr.Append(err, errors.New("quote.ttl 应位于[30s,60s]"))
	}
	err = multierr.Append(err, validateRetry("quote.retry", c.Quote.Retry))
	err = multierr.Append(err, validateRetry("price_feed.retry", c.PriceFeed.Retry))
	if c.Referral.MaxFeeBps == 0 || c.Referral.MaxFeeBps > 10000 {
		err = multierr.Append(err, errors.New("referral.max_fee_bps 必须位于(0,10000]"))
	}
	if c.Referral.FeeBps > c.Referral.MaxFeeBps {
		err = multierr.Append(err, errors.New("referral.fee_bps 不能超过 max_fee_bps"))
	}
	if c.Referral.OwnershipTTL <= 0 {
		err = multierr.Append(err, errors.New("referral.ownership_ttl 必须大于0"))
	}
	if c.Orders.LivenessTTL <= 0 {
		err = multierr.Append(err, errors.New("orders.liveness_ttl 必须大于0"))
	}
	if c.Orders.ListingsURL == "" {
		err = multierr.Append(err, errors.New("orders.listings_url 不能为空"))
	}
	if c.Orders.CheckTimeout <= 0 {
		err = multierr.Append(err, errors.New("orders.check_timeout 必须大于0"))
	}
	if c.Execution.SlippageBps > 2000 {
		err = multierr.Append(err, errors.New("execution.slippage_bps 应位于[0,2000]"))
	}
	if c.Execution.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.confirm_timeout 必须大于0"))
	}
	if c.Execution.ItemTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.item_timeout 必须大于0"))
	}
	if strings.TrimSpace(c.PriceFeed.Exchange) == "" {
		err = multierr.Append(err, errors.New("price_feed.exchange 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func validateRetry(prefix string, r RetryConfig) error {
	var err error
	if r.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.max_attempts 必须大于0", prefix))
	}
	if r.MinDelay <= 0 || r.MaxDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.delay 必须为正", prefix))
	}
	if r.MinDelay > r.MaxDelay {
		err = multierr.Append(err, fmt.Errorf("%s.min_delay 不能大于 max_delay", prefix))
	}
	return err
}

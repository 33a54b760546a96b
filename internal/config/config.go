package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "storefront"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("quote.concurrency", 4)
	v.SetDefault("quote.ttl", "45s")
	v.SetDefault("quote.retry.max_attempts", 3)
	v.SetDefault("quote.retry.min_delay", "250ms")
	v.SetDefault("quote.retry.max_delay", "2s")

	v.SetDefault("referral.fee_bps", 100)
	v.SetDefault("referral.max_fee_bps", 100)
	v.SetDefault("referral.ownership_ttl", "30s")

	v.SetDefault("orders.liveness_ttl", "15s")
	v.SetDefault("orders.check_timeout", "8s")

	v.SetDefault("execution.slippage_bps", 50)
	v.SetDefault("execution.confirm_timeout", "2m")
	v.SetDefault("execution.item_timeout", "10s")

	v.SetDefault("price_feed.exchange", "binanceusdm")
	v.SetDefault("price_feed.symbols", map[string]string{"eth": "ETH/USDT:USDT"})
	v.SetDefault("price_feed.retry.max_attempts", 3)
	v.SetDefault("price_feed.retry.min_delay", "500ms")
	v.SetDefault("price_feed.retry.max_delay", "5s")

	v.SetDefault("cache.max_entry_size", 512)
	v.SetDefault("cache.clean_window", "1m")

	v.SetDefault("database.path", "data/storefront.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

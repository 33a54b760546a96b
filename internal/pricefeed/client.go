// Package pricefeed 通过交易所行情获取原生资产的美元价格。
package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/internal/config"
)

const priceTimeframe = "1m"

// marketSource 抽象行情数据来源，便于替换交易所实现。
type marketSource interface {
	LoadMarkets() error
	FetchOHLCV(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error)
}

type binanceSource struct {
	ex *ccxt.Binanceusdm
}

func (s binanceSource) LoadMarkets() error {
	_, err := s.ex.LoadMarkets()
	return err
}

func (s binanceSource) FetchOHLCV(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error) {
	return s.ex.FetchOHLCV(
		symbol,
		ccxt.WithFetchOHLCVTimeframe(timeframe),
		ccxt.WithFetchOHLCVLimit(limit),
	)
}

// Client 负责拉取最新成交价并实现重试机制。
type Client struct {
	cfg     config.PriceFeedConfig
	logger  *zap.Logger
	source  marketSource
	symbols map[string]string

	marketsMu     sync.Mutex
	marketsLoaded bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient 构造 Binance USDⓈ-M 行情客户端，仅使用公开接口。
func NewClient(cfg config.PriceFeedConfig, logger *zap.Logger) (*Client, error) {
	if !strings.EqualFold(cfg.Exchange, "binanceusdm") {
		return nil, fmt.Errorf("pricefeed: 不支持的交易所 %q", cfg.Exchange)
	}

	ex := ccxt.NewBinanceusdm(map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	})

	return newClient(cfg, binanceSource{ex: ex}, logger), nil
}

func newClient(cfg config.PriceFeedConfig, source marketSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	symbols := make(map[string]string, len(cfg.Symbols))
	for asset, market := range cfg.Symbols {
		symbols[strings.ToLower(asset)] = market
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.Named("pricefeed"),
		source:  source,
		symbols: symbols,
		sleep:   sleepContext,
	}
}

// USD 返回资产符号（如 ETH）对应的最新美元价格，取最近一根K线收盘价。
func (c *Client) USD(ctx context.Context, asset string) (decimal.Decimal, error) {
	market, ok := c.symbols[strings.ToLower(asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("pricefeed: %s: %w", asset, ErrUnknownSymbol)
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, "fetch_ohlcv_"+market, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.source.FetchOHLCV(market, priceTimeframe, 1)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(raw) == 0 {
		return decimal.Zero, fmt.Errorf("pricefeed: %s 无K线数据: %w", market, ErrNoPrice)
	}

	last := raw[len(raw)-1]
	price := decimal.NewFromFloat(last.Close)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("pricefeed: %s 收盘价无效 %v: %w", market, last.Close, ErrNoPrice)
	}
	c.logger.Debug("已获取价格",
		zap.String("asset", asset),
		zap.String("market", market),
		zap.String("price", price.String()),
		zap.Time("candle", time.UnixMilli(last.Timestamp).UTC()),
	)
	return price, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.source.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("行情调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)
		if !retry || attempt >= maxAttempts {
			c.logger.Error("行情调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Warn("行情调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront/internal/config"
	"storefront/internal/failure"
)

const maxConcurrency = 8

// Observer 接收每个路由服务的询价结果，用于指标统计。
type Observer interface {
	ObserveQuote(provider string, err error)
}

// Client 并发向多个路由服务询价并挑选扣除 gas 后输出最高的报价。
type Client struct {
	providers   []Provider
	concurrency int
	ttl         time.Duration
	retry       config.RetryConfig
	timeout     time.Duration
	logger      *zap.Logger
	observer    Observer
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient 创建询价客户端。
func NewClient(cfg config.QuoteConfig, providers []Provider, logger *zap.Logger) (*Client, error) {
	if len(providers) == 0 {
		return nil, errors.New("quote: 至少需要一个路由服务")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 45 * time.Second
	}

	timeout := 8 * time.Second
	for _, p := range cfg.Providers {
		if p.Timeout > 0 && p.Timeout < timeout {
			timeout = p.Timeout
		}
	}

	return &Client{
		providers:   providers,
		concurrency: concurrency,
		ttl:         ttl,
		retry:       cfg.Retry,
		timeout:     timeout,
		logger:      logger.Named("quote"),
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

// WithObserver 设置询价结果观察者。
func (c *Client) WithObserver(o Observer) *Client {
	c.observer = o
	return c
}

// Quote 返回最佳报价；全部失败时返回 NoRoute / RateLimited / ProviderUnavailable 之一。
func (c *Client) Quote(ctx context.Context, req Request) (Quote, error) {
	if err := req.Validate(); err != nil {
		return Quote{}, err
	}

	results := make([]ProviderQuote, len(c.providers))
	errs := make([]error, len(c.providers))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for i, provider := range c.providers {
		group.Go(func() error {
			raw, err := c.fetch(groupCtx, provider, req)
			if c.observer != nil {
				c.observer.ObserveQuote(provider.Name(), err)
			}
			results[i] = raw
			errs[i] = err
			// 单个服务失败不影响其他服务
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	issuedAt := c.now()
	var (
		best  Quote
		found bool
	)
	for i, provider := range c.providers {
		if errs[i] != nil {
			continue
		}
		q := newQuote(provider.Name(), req, results[i], issuedAt, c.ttl)
		if !found || q.NetOutput.Cmp(best.NetOutput) > 0 {
			best = q
			found = true
		}
	}
	if found {
		c.logger.Debug("已选定报价",
			zap.String("provider", best.Provider),
			zap.Uint64("chain_id", req.ChainID),
			zap.String("expected_output", best.ExpectedOutput.String()),
			zap.String("net_output", best.NetOutput.String()),
		)
		return best, nil
	}

	return Quote{}, aggregate(errs)
}

// aggregate 合并所有服务的失败原因。
func aggregate(errs []error) error {
	var (
		combined    error
		allNoRoute  = true
		rateLimited bool
	)
	for _, err := range errs {
		combined = multierr.Append(combined, err)
		if !errors.Is(err, failure.ErrNoRoute) {
			allNoRoute = false
		}
		if errors.Is(err, failure.ErrRateLimited) {
			rateLimited = true
		}
	}

	switch {
	case allNoRoute:
		return fmt.Errorf("quote: %w (%v)", failure.ErrNoRoute, combined)
	case rateLimited:
		return fmt.Errorf("quote: %w (%v)", failure.ErrRateLimited, combined)
	default:
		return fmt.Errorf("quote: %w (%v)", failure.ErrProviderUnavailable, combined)
	}
}

func (c *Client) fetch(ctx context.Context, provider Provider, req Request) (ProviderQuote, error) {
	var raw ProviderQuote
	err := c.callWithRetry(ctx, provider.Name(), func(callCtx context.Context) error {
		result, err := provider.Quote(callCtx, req)
		if err != nil {
			return err
		}
		if result.AmountOut == nil || result.AmountOut.Sign() <= 0 {
			return fmt.Errorf("quote: %s 输出为零: %w", provider.Name(), failure.ErrNoRoute)
		}
		raw = result
		return nil
	})
	return raw, err
}

func (c *Client) callWithRetry(ctx context.Context, provider string, fn func(context.Context) error) error {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := c.retry.MinDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxDelay := c.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("询价重试后成功",
					zap.String("provider", provider),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		// 单次调用超时而外层上下文仍有效，视为服务不可用
		if failure.Cancelled(err) && ctx.Err() == nil {
			err = fmt.Errorf("quote: %s 超时: %w", provider, failure.ErrProviderUnavailable)
		}

		if !failure.Retryable(err) || attempt >= maxAttempts {
			c.logger.Warn("询价失败",
				zap.String("provider", provider),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Debug("询价失败，等待重试",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
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

package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"storefront/internal/api"
	"storefront/internal/cache"
	"storefront/internal/cart"
	"storefront/internal/chain"
	"storefront/internal/checkout"
	"storefront/internal/config"
	"storefront/internal/metrics"
	"storefront/internal/monitor"
	"storefront/internal/order"
	"storefront/internal/plan"
	"storefront/internal/pricefeed"
	"storefront/internal/quote"
	"storefront/internal/referral"
	"storefront/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装结算服务并阻塞到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("结算服务初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("chains", len(a.cfg.Chains)),
		zap.Int("providers", len(a.cfg.Quote.Providers)),
	)

	clients, err := dialChains(ctx, a.cfg.Chains, a.cfg.Execution.SignerKey, a.logger)
	if err != nil {
		return err
	}
	defer clients.Close()

	server, err := a.assemble(ctx, clients)
	if err != nil {
		return err
	}

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

func (a *App) assemble(ctx context.Context, clients chain.Clients) (*api.Server, error) {
	cfg := a.cfg

	items, err := cart.NewSQLStore(a.store)
	if err != nil {
		return nil, err
	}
	carts := cart.NewRegistry(items, a.logger)

	recorder, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	liveness, err := cache.NewTTL(ctx, cfg.Orders.LivenessTTL, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化挂单缓存失败: %w", err)
	}
	ownership, err := cache.NewTTL(ctx, cfg.Referral.OwnershipTTL, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化持有人缓存失败: %w", err)
	}

	prices, err := pricefeed.NewClient(cfg.PriceFeed, a.logger)
	if err != nil {
		return nil, err
	}
	converter := pricefeed.NewConverter(prices, cfg.Chains)

	providers := make([]quote.Provider, 0, len(cfg.Quote.Providers))
	for _, pc := range cfg.Quote.Providers {
		p, err := quote.NewHTTPProvider(pc)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	quotes, err := quote.NewClient(cfg.Quote, providers, a.logger)
	if err != nil {
		return nil, err
	}
	quotes = quotes.WithObserver(m)

	orderCallers := make(map[uint64]order.Caller, len(clients))
	ownerCallers := make(map[uint64]referral.Caller, len(clients))
	for id, c := range clients {
		orderCallers[id] = c
		ownerCallers[id] = c
	}

	listings, err := order.NewHTTPListings(cfg.Orders)
	if err != nil {
		return nil, err
	}
	orders := order.NewResolver(order.NewOnChainState(orderCallers), listings, liveness, cfg.Orders.CheckTimeout, a.logger)

	ledger, err := referral.NewLedger(cfg.Referral, cfg.Chains, referral.NewERC721Owners(ownerCallers), ownership, a.logger)
	if err != nil {
		return nil, err
	}

	svc, err := checkout.NewService(checkout.Deps{
		Carts:       carts,
		Quotes:      quotes,
		Prices:      converter,
		Orders:      orders,
		Referrals:   ledger,
		Chain:       clients,
		Builder:     plan.NewBuilder(cfg.Chains, cfg.Execution, a.logger),
		Broadcaster: clients,
		Recorder:    recorder,
		Signer:      clients.Signer(),
	}, cfg.Quote, cfg.Execution, a.logger)
	if err != nil {
		return nil, err
	}
	svc = svc.WithObservers(m, m)

	return api.NewServer(cfg.Server, api.Deps{
		Carts:     carts,
		Checkout:  svc,
		Referrals: ledger,
		Events:    recorder,
		Metrics:   m,
	}, a.logger), nil
}

// dialChains 连接全部链，任一失败时关闭已建立的连接并汇总错误。
func dialChains(ctx context.Context, chains []config.ChainConfig, signerKey string, logger *zap.Logger) (chain.Clients, error) {
	clients := make(chain.Clients, len(chains))
	var errs error
	for _, cc := range chains {
		c, err := chain.Dial(ctx, cc, signerKey, logger)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		clients[cc.ChainID] = c
	}
	if errs != nil {
		clients.Close()
		return nil, fmt.Errorf("连接链节点失败: %w", errs)
	}
	return clients, nil
}

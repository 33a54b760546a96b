// Package api 通过 HTTP 暴露购物车、结算与监控接口。
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/config"
	"storefront/internal/monitor"
	"storefront/internal/plan"
)

// Checkout 为结算服务的接口视图。
type Checkout interface {
	BuildSettlementPlan(ctx context.Context, buyer common.Address, referralCode string) (*plan.Plan, error)
	Execute(ctx context.Context, p *plan.Plan) (<-chan cart.StatusEvent, error)
	RetryFailed(ctx context.Context, attemptID string) (*plan.Plan, <-chan cart.StatusEvent, error)
	Attempt(attemptID string) (*plan.Plan, bool)
}

// Carts 按买家返回购物车。
type Carts interface {
	Get(ctx context.Context, buyer common.Address) (*cart.Cart, error)
}

// Referrals 读取与清除买家会话中的推荐归属。
type Referrals interface {
	Current(buyer common.Address) (string, bool)
	Clear(buyer common.Address)
}

// Events 检索监控事件。
type Events interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, attemptID string, limit int) ([]monitor.Event, error)
}

// Metrics 记录请求指标并暴露 /metrics。
type Metrics interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

// Deps 为接口层依赖。
type Deps struct {
	Carts     Carts
	Checkout  Checkout
	Referrals Referrals
	Events    Events
	Metrics   Metrics
}

// Server 封装路由与 HTTP 服务生命周期。
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *zap.Logger
	router *mux.Router

	// base 为结算执行使用的上下文，请求结束后提交仍继续。
	base     context.Context
	inflight sync.WaitGroup
}

// NewServer 创建接口服务并注册路由。
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("api"),
		router: mux.NewRouter(),
		base:   context.Background(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.observe)

	r.HandleFunc("/carts/{buyer}", s.handleGetCart).Methods(http.MethodGet)
	r.HandleFunc("/carts/{buyer}", s.handleClearCart).Methods(http.MethodDelete)
	r.HandleFunc("/carts/{buyer}/items", s.handleAddItem).Methods(http.MethodPost)
	r.HandleFunc("/carts/{buyer}/items/{id}", s.handleRemoveItem).Methods(http.MethodDelete)
	r.HandleFunc("/carts/{buyer}/checkout", s.handleCheckout).Methods(http.MethodPost)
	r.HandleFunc("/checkouts/{attempt}", s.handleGetAttempt).Methods(http.MethodGet)
	r.HandleFunc("/checkouts/{attempt}/retry", s.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler 返回根路由。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 启动监听并阻塞到 ctx 结束，随后优雅关闭并等待进行中的结算写完状态。
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("结算接口已启动", zap.String("addr", addr))

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api: 服务异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭结算接口失败", zap.Error(err))
	}
	s.inflight.Wait()
	return nil
}

// drain 在后台读完状态事件；购物车与监控已由结算服务更新。
func (s *Server) drain(attemptID string, events <-chan cart.StatusEvent) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		confirmed, failed, unconfirmed := 0, 0, 0
		for ev := range events {
			if ev.StepID != "" {
				continue
			}
			switch ev.Status {
			case cart.StatusConfirmed:
				confirmed++
			case cart.StatusFailed:
				failed++
			case cart.StatusUnconfirmed:
				unconfirmed++
			}
		}
		s.logger.Info("结算尝试结束",
			zap.String("attempt_id", attemptID),
			zap.Int("confirmed", confirmed),
			zap.Int("failed", failed),
			zap.Int("unconfirmed", unconfirmed),
		)
	}()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 按路由模板记录请求数与耗时，避免买家地址撑爆标签基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRequest(r.Method, route, rec.status, time.Since(start))
		}
		s.logger.Debug("处理请求",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

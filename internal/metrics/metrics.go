// Package metrics 定义结算服务的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storefront/internal/cart"
	"storefront/internal/failure"
	"storefront/internal/plan"
)

const namespace = "storefront"

// Metrics 汇总询价、步骤、条目与 HTTP 接口指标。
type Metrics struct {
	registry *prometheus.Registry

	quotes          *prometheus.CounterVec
	steps           *prometheus.CounterVec
	items           *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New 创建指标并注册到独立的 registry。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		quotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "provider_results_total",
			Help:      "Routing provider quote results by provider and outcome",
		}, []string{"provider", "result"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "steps_total",
			Help:      "Settlement steps reaching a terminal status",
		}, []string{"kind", "status", "code"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "item_status_total",
			Help:      "Cart item status transitions during checkout",
		}, []string{"status", "code"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route"}),
	}
}

// ObserveQuote 实现 quote.Observer。
func (m *Metrics) ObserveQuote(provider string, err error) {
	result := "ok"
	if err != nil {
		result = failure.Code(err)
	}
	m.quotes.WithLabelValues(provider, result).Inc()
}

// ObserveStep 实现 execution.Observer。
func (m *Metrics) ObserveStep(kind plan.StepKind, status cart.Status, code string) {
	m.steps.WithLabelValues(string(kind), string(status), code).Inc()
}

// ObserveItem 记录条目状态变化。
func (m *Metrics) ObserveItem(status cart.Status, code string) {
	m.items.WithLabelValues(string(status), code).Inc()
}

// ObserveRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

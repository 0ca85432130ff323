// Package telemetry provides observability primitives for the codex-lb
// proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the load balancer.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	SelectTotal               *prometheus.CounterVec // labels: outcome
	MarkTotal                 *prometheus.CounterVec // labels: event
	MarkPermanentFailureTotal *prometheus.CounterVec // labels: code
	ProxyAttemptsTotal        *prometheus.CounterVec // labels: status

	EstimatedCostTotal *prometheus.CounterVec // labels: model

	RequestLogQueueDepth prometheus.Gauge
	RequestLogDropped    prometheus.Counter

	UsageRefreshFailures *prometheus.CounterVec // labels: status_code, phase
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "codexlb",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexlb",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		SelectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "lb",
			Name:      "select_total",
			Help:      "Account selections by outcome.",
		}, []string{"outcome"}),

		MarkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "lb",
			Name:      "mark_total",
			Help:      "Account lifecycle marks by event.",
		}, []string{"event"}),

		MarkPermanentFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "lb",
			Name:      "mark_permanent_failure_total",
			Help:      "Accounts deactivated by failure code.",
		}, []string{"code"}),

		ProxyAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "proxy",
			Name:      "attempts_total",
			Help:      "Proxy attempts by terminal status.",
		}, []string{"status"}),

		EstimatedCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "proxy",
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated upstream cost of completed requests, by model.",
		}, []string{"model"}),

		RequestLogQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexlb",
			Subsystem: "request_logs",
			Name:      "queue_depth",
			Help:      "Request-log entries waiting to be flushed.",
		}),

		RequestLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "request_logs",
			Name:      "dropped_total",
			Help:      "Request-log entries dropped because the queue was full.",
		}),

		UsageRefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexlb",
			Subsystem: "usage_refresh",
			Name:      "failures_total",
			Help:      "Usage refresh failures by upstream status code and phase.",
		}, []string{"status_code", "phase"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.SelectTotal,
		m.MarkTotal,
		m.MarkPermanentFailureTotal,
		m.ProxyAttemptsTotal,
		m.EstimatedCostTotal,
		m.RequestLogQueueDepth,
		m.RequestLogDropped,
		m.UsageRefreshFailures,
	)

	return m
}

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RateLimitRejected prometheus.Counter
	CacheStatusTotal  *prometheus.CounterVec
}

// NewMetrics registers the tracker's instruments on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaf_http_requests_total",
			Help: "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leaf_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "leaf_rate_limit_rejected_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}),
		CacheStatusTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaf_readiness_cache_total",
			Help: "Readiness responses by cache status.",
		}, []string{"status"}),
	}
}

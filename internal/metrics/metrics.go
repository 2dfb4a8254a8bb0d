// Package metrics exposes Prometheus instrumentation for the marketplace.
// Counters follow the RED convention: rate of operations, split by outcome,
// plus HTTP request durations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts engine operations by name and outcome
	// (ok, failed code, or error).
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawmarket_operations_total",
		Help: "Engine operations by name and outcome.",
	}, []string{"op", "outcome"})

	// HTTPRequestDuration observes request latency per route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clawmarket_http_request_duration_seconds",
		Help:    "HTTP request duration by method, path and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// RateLimited counts requests rejected by the write limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawmarket_rate_limited_total",
		Help: "Requests rejected by per-route write rate limits.",
	}, []string{"path"})
)

// ObserveOperation records one engine operation outcome.
func ObserveOperation(op, outcome string) {
	Operations.WithLabelValues(op, outcome).Inc()
}

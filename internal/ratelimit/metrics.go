package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts rate limit decisions per route bucket.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"bucket", "result"},
	)

	// BackendErrorsTotal counts backend failures that caused fail-open.
	BackendErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_backend_errors_total",
			Help: "Total number of limiter backend errors (request allowed, fail-open)",
		},
	)
)

// RecordDecision records an allow/reject decision for a bucket.
func RecordDecision(bucket string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	DecisionsTotal.WithLabelValues(bucket, result).Inc()
}

// RecordBackendError records a backend failure.
func RecordBackendError() {
	BackendErrorsTotal.Inc()
}

package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState shows the current state of circuit breakers.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// BreakerRequestsTotal counts requests checked against circuit breakers.
	BreakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_requests_total",
			Help: "Total number of requests checked against circuit breakers",
		},
		[]string{"service", "result"},
	)

	// BreakerFailuresTotal counts failures recorded by circuit breakers.
	BreakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_failures_total",
			Help: "Total number of failures recorded by circuit breakers",
		},
		[]string{"service"},
	)

	// BreakerSuccessesTotal counts successes recorded by circuit breakers.
	BreakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_successes_total",
			Help: "Total number of successes recorded by circuit breakers",
		},
		[]string{"service"},
	)

	// BreakerStateChangesTotal counts state transitions.
	BreakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)
)

// RecordRequest records a request checked against a breaker.
func RecordRequest(service string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	BreakerRequestsTotal.WithLabelValues(service, result).Inc()
}

// RecordFailureMetric records a failure for a service.
func RecordFailureMetric(service string) {
	BreakerFailuresTotal.WithLabelValues(service).Inc()
}

// RecordSuccessMetric records a success for a service.
func RecordSuccessMetric(service string) {
	BreakerSuccessesTotal.WithLabelValues(service).Inc()
}

// RecordStateChange records a state transition.
func RecordStateChange(service string, from, to State) {
	BreakerStateChangesTotal.WithLabelValues(service, from.String(), to.String()).Inc()
	BreakerState.WithLabelValues(service).Set(float64(to))
}

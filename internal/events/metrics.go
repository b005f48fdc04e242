package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// PublishesTotal counts publish outcomes per topic.
	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_event_publishes_total",
			Help: "Total number of event publish attempts by outcome",
		},
		[]string{"topic", "result"},
	)

	// RetriesTotal counts delivery retries per topic.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_event_publish_retries_total",
			Help: "Total number of event delivery retries",
		},
		[]string{"topic"},
	)

	// BreakerStateGauge reports the publisher breaker state.
	BreakerStateGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_event_publisher_breaker_state",
			Help: "Publisher circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
)

// RecordPublish records a publish outcome.
func RecordPublish(topic, result string) {
	PublishesTotal.WithLabelValues(topic, result).Inc()
}

// RecordRetry records a delivery retry.
func RecordRetry(topic string) {
	RetriesTotal.WithLabelValues(topic).Inc()
}

// RecordBreakerState records the publisher breaker state.
func RecordBreakerState(state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	BreakerStateGauge.Set(v)
}

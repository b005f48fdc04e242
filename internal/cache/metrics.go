package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HitsTotal counts cache hits per backend.
	HitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)

	// MissesTotal counts cache misses per backend.
	MissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// EvictionsTotal counts evicted entries per backend.
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"backend"},
	)

	// SizeGauge reports the current entry count per backend.
	SizeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"backend"},
	)
)

// RecordHit records a cache hit.
func RecordHit(backend string) {
	HitsTotal.WithLabelValues(backend).Inc()
}

// RecordMiss records a cache miss.
func RecordMiss(backend string) {
	MissesTotal.WithLabelValues(backend).Inc()
}

// RecordEvictions records n evicted entries.
func RecordEvictions(backend string, n int) {
	EvictionsTotal.WithLabelValues(backend).Add(float64(n))
}

// RecordSize records the current entry count.
func RecordSize(backend string, size int64) {
	SizeGauge.WithLabelValues(backend).Set(float64(size))
}

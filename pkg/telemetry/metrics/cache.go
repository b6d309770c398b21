package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/index"
)

// CacheMetrics tracks the evaluation cache.
//
// Metrics:
//   - concord_cache_lookups_total: lookups by result (hit, miss)
//   - concord_cache_entries: current number of cached decisions
//   - concord_cache_evictions: evictions since start
type CacheMetrics struct {
	lookups   *prometheus.CounterVec
	entries   prometheus.Gauge
	evictions prometheus.Gauge
}

// NewCacheMetrics creates and registers cache metrics.
func NewCacheMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CacheMetrics {
	cm := &CacheMetrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_lookups_total",
				Help:      "Total number of evaluation cache lookups by result",
			},
			[]string{"result"},
		),
		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_entries",
				Help:      "Current number of entries in the evaluation cache",
			},
		),
		evictions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_evictions",
				Help:      "Evaluation cache evictions since start",
			},
		),
	}
	registry.MustRegister(cm.lookups, cm.entries, cm.evictions)
	return cm
}

// RecordLookup counts one lookup.
func (cm *CacheMetrics) RecordLookup(hit bool) {
	if hit {
		cm.lookups.WithLabelValues("hit").Inc()
		return
	}
	cm.lookups.WithLabelValues("miss").Inc()
}

// Update copies size and eviction counters from cache statistics.
func (cm *CacheMetrics) Update(s index.CacheStats) {
	cm.entries.Set(float64(s.Size))
	cm.evictions.Set(float64(s.Evictions))
}

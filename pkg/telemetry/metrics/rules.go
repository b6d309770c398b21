package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/store"
)

// RuleMetrics tracks the rule store and conflicts.
//
// Metrics:
//   - concord_rule_mutations_total: mutations by kind and origin (local, remote)
//   - concord_rules: live rules
//   - concord_conflicts_total: conflict records by kind and escalation
type RuleMetrics struct {
	mutations *prometheus.CounterVec
	count     prometheus.Gauge
	conflicts *prometheus.CounterVec
}

// NewRuleMetrics creates and registers rule metrics.
func NewRuleMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RuleMetrics {
	rm := &RuleMetrics{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rule_mutations_total",
				Help:      "Total number of rule mutations by kind and origin",
			},
			[]string{"kind", "origin"},
		),
		count: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rules",
				Help:      "Number of live rules",
			},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "conflicts_total",
				Help:      "Total number of conflict records by kind",
			},
			[]string{"kind", "escalated"},
		),
	}
	registry.MustRegister(rm.mutations, rm.count, rm.conflicts)
	return rm
}

// RecordChange counts one change event.
func (rm *RuleMetrics) RecordChange(ev store.ChangeEvent) {
	origin := "local"
	if ev.Remote {
		origin = "remote"
	}
	rm.mutations.WithLabelValues(string(ev.Kind), origin).Inc()
}

// SetCount sets the live rule gauge.
func (rm *RuleMetrics) SetCount(n int) {
	rm.count.Set(float64(n))
}

// RecordConflict counts one conflict record.
func (rm *RuleMetrics) RecordConflict(rec *conflict.Record) {
	rm.conflicts.WithLabelValues(string(rec.Kind), strconv.FormatBool(rec.Escalated)).Inc()
}

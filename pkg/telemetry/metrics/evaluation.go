package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/engine"
)

// EvaluationMetrics tracks evaluate calls.
//
// Metrics:
//   - concord_evaluations_total: evaluations by result (resolved, unresolved, blocked)
//   - concord_evaluation_duration_seconds: evaluation latency
//   - concord_evaluation_contributors: contributing rules per decision
type EvaluationMetrics struct {
	total        *prometheus.CounterVec
	duration     prometheus.Histogram
	contributors prometheus.Histogram
}

// NewEvaluationMetrics creates and registers evaluation metrics.
func NewEvaluationMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *EvaluationMetrics {
	em := &EvaluationMetrics{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluations_total",
				Help:      "Total number of context evaluations by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluation_duration_seconds",
				Help:      "Context evaluation latency in seconds",
				Buckets:   cfg.EvaluationBuckets,
			},
		),
		contributors: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "evaluation_contributors",
				Help:      "Number of rules contributing to a decision",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),
	}
	registry.MustRegister(em.total, em.duration, em.contributors)
	return em
}

// Record observes one evaluation.
func (em *EvaluationMetrics) Record(duration time.Duration, d *engine.Decision) {
	em.duration.Observe(duration.Seconds())
	if d == nil {
		em.total.WithLabelValues("error").Inc()
		return
	}
	em.contributors.Observe(float64(len(d.Contributors)))
	switch {
	case d.Unresolved:
		em.total.WithLabelValues("unresolved").Inc()
	case len(d.Blocks) > 0:
		em.total.WithLabelValues("blocked").Inc()
	default:
		em.total.WithLabelValues("resolved").Inc()
	}
}

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/engine"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/store"
)

// Collector owns every concord metric. It implements engine.Observer and
// replication.Observer so it can be handed straight to both.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	evaluation  *EvaluationMetrics
	cache       *CacheMetrics
	rules       *RuleMetrics
	replication *ReplicationMetrics

	// Peer names come from configuration and from remote hellos.
	peerLimiter *CardinalityLimiter
}

var (
	_ engine.Observer      = (*Collector)(nil)
	_ replication.Observer = (*Collector)(nil)
)

// NewCollector creates a collector registering into registry, or into a
// fresh registry when nil.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	http.Handle("/metrics", collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "concord"
	}
	if len(cfg.EvaluationBuckets) == 0 {
		// Cached evaluations land in microseconds, cold ones in low milliseconds.
		cfg.EvaluationBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}
	}

	return &Collector{
		config:      cfg,
		registry:    registry,
		evaluation:  NewEvaluationMetrics(cfg, registry),
		cache:       NewCacheMetrics(cfg, registry),
		rules:       NewRuleMetrics(cfg, registry),
		replication: NewReplicationMetrics(cfg, registry),
		peerLimiter: NewCardinalityLimiter(256),
	}
}

// ObserveEvaluation implements engine.Observer.
func (c *Collector) ObserveEvaluation(duration time.Duration, cacheHit bool, d *engine.Decision) {
	if !c.config.Enabled {
		return
	}
	c.evaluation.Record(duration, d)
	c.cache.RecordLookup(cacheHit)
}

// UpdateCacheStats copies evaluation cache counters into gauges.
func (c *Collector) UpdateCacheStats(s index.CacheStats) {
	if !c.config.Enabled {
		return
	}
	c.cache.Update(s)
}

// RecordChange counts a store mutation.
func (c *Collector) RecordChange(ev store.ChangeEvent) {
	if !c.config.Enabled {
		return
	}
	c.rules.RecordChange(ev)
}

// SetRuleCount sets the live rule gauge.
func (c *Collector) SetRuleCount(n int) {
	if !c.config.Enabled {
		return
	}
	c.rules.SetCount(n)
}

// RecordConflict counts a conflict record.
func (c *Collector) RecordConflict(rec *conflict.Record) {
	if !c.config.Enabled {
		return
	}
	c.rules.RecordConflict(rec)
}

// ObservePeerState implements replication.Observer.
func (c *Collector) ObservePeerState(peer string, state replication.PeerState) {
	if !c.config.Enabled {
		return
	}
	c.replication.SetPeerState(c.peer(peer), state)
}

// ObserveSyncCycle implements replication.Observer.
func (c *Collector) ObserveSyncCycle(peer string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.replication.RecordCycle(c.peer(peer), duration, err)
}

// ObserveApply implements replication.Observer.
func (c *Collector) ObserveApply(peer string, outcome store.Outcome) {
	if !c.config.Enabled {
		return
	}
	c.replication.RecordApply(c.peer(peer), outcome)
}

// ObserveEmergencyPush implements replication.Observer.
func (c *Collector) ObserveEmergencyPush(peer string, acked bool) {
	if !c.config.Enabled {
		return
	}
	c.replication.RecordEmergencyPush(c.peer(peer), acked)
}

func (c *Collector) peer(name string) string {
	if !c.peerLimiter.Allow(name) {
		return "other"
	}
	return name
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter caps the number of distinct values a label may take.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting up to maxCardinality
// distinct values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is already known or still fits.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of admitted values.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/engine"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/store"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, prometheus.NewRegistry())
}

func TestNewCollectorDefaults(t *testing.T) {
	cfg := &config.MetricsConfig{Enabled: true}
	c := NewCollector(cfg, nil)
	if c.Registry() == nil {
		t.Fatal("nil registry")
	}
	if cfg.Namespace != "concord" || len(cfg.EvaluationBuckets) == 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestObserveEvaluation(t *testing.T) {
	c := newTestCollector(t)
	tests := []struct {
		name     string
		decision *engine.Decision
		hit      bool
		result   string
	}{
		{name: "resolved", decision: &engine.Decision{Contributors: []string{"a"}}, result: "resolved"},
		{name: "blocked", decision: &engine.Decision{Blocks: []engine.Block{{Target: "deploy"}}}, hit: true, result: "blocked"},
		{name: "unresolved", decision: &engine.Decision{Unresolved: true}, result: "unresolved"},
		{name: "error", decision: nil, result: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.ObserveEvaluation(time.Millisecond, tt.hit, tt.decision)
			if got := testutil.ToFloat64(c.evaluation.total.WithLabelValues(tt.result)); got != 1 {
				t.Errorf("evaluations_total{result=%q} = %v, want 1", tt.result, got)
			}
		})
	}
	if got := testutil.ToFloat64(c.cache.lookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.cache.lookups.WithLabelValues("miss")); got != 3 {
		t.Errorf("cache misses = %v, want 3", got)
	}
}

func TestUpdateCacheStats(t *testing.T) {
	c := newTestCollector(t)
	c.UpdateCacheStats(index.CacheStats{Hits: 10, Misses: 4, Evictions: 2, Size: 7})
	if got := testutil.ToFloat64(c.cache.entries); got != 7 {
		t.Errorf("cache_entries = %v", got)
	}
	if got := testutil.ToFloat64(c.cache.evictions); got != 2 {
		t.Errorf("cache_evictions = %v", got)
	}
}

func TestRuleMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.RecordChange(store.ChangeEvent{Kind: store.ChangeCreated, ID: "a"})
	c.RecordChange(store.ChangeEvent{Kind: store.ChangeUpdated, ID: "a", Remote: true})
	c.RecordChange(store.ChangeEvent{Kind: store.ChangeUpdated, ID: "b", Remote: true})
	c.SetRuleCount(2)
	c.RecordConflict(&conflict.Record{Kind: conflict.KindSync})
	c.RecordConflict(&conflict.Record{Kind: conflict.KindEvaluation, Escalated: true})

	if got := testutil.ToFloat64(c.rules.mutations.WithLabelValues("updated", "remote")); got != 2 {
		t.Errorf("remote updates = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.rules.count); got != 2 {
		t.Errorf("rules = %v", got)
	}
	if got := testutil.ToFloat64(c.rules.conflicts.WithLabelValues("evaluation", "true")); got != 1 {
		t.Errorf("escalated evaluation conflicts = %v", got)
	}
}

func TestReplicationObserver(t *testing.T) {
	c := newTestCollector(t)
	c.ObservePeerState("node-b", replication.StateSyncing)
	c.ObservePeerState("node-b", replication.StateDegraded)
	c.ObserveSyncCycle("node-b", 20*time.Millisecond, nil)
	c.ObserveSyncCycle("node-b", time.Second, errors.New("timeout"))
	c.ObserveApply("node-b", store.OutcomeApplied)
	c.ObserveApply("node-b", store.OutcomeConflict)
	c.ObserveEmergencyPush("node-b", true)

	if got := testutil.ToFloat64(c.replication.state.WithLabelValues("node-b", "degraded")); got != 1 {
		t.Errorf("degraded gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.replication.state.WithLabelValues("node-b", "syncing")); got != 0 {
		t.Errorf("syncing gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.replication.cycles.WithLabelValues("node-b", "error")); got != 1 {
		t.Errorf("failed cycles = %v", got)
	}
	if got := testutil.ToFloat64(c.replication.applies.WithLabelValues("node-b", "conflict")); got != 1 {
		t.Errorf("conflict applies = %v", got)
	}
	if got := testutil.ToFloat64(c.replication.emergency.WithLabelValues("node-b", "acked")); got != 1 {
		t.Errorf("acked pushes = %v", got)
	}
}

func TestDisabledCollectorRecordsNothing(t *testing.T) {
	c := NewCollector(&config.MetricsConfig{Enabled: false}, prometheus.NewRegistry())
	c.ObserveEvaluation(time.Millisecond, true, &engine.Decision{})
	c.ObserveSyncCycle("node-b", time.Millisecond, nil)
	if n := testutil.CollectAndCount(c.evaluation.total); n != 0 {
		t.Errorf("evaluations recorded while disabled: %d series", n)
	}
	if n := testutil.CollectAndCount(c.replication.cycles); n != 0 {
		t.Errorf("cycles recorded while disabled: %d series", n)
	}
}

func TestCardinalityLimiter(t *testing.T) {
	cl := NewCardinalityLimiter(2)
	if !cl.Allow("a") || !cl.Allow("b") || !cl.Allow("a") {
		t.Fatal("values within the cap rejected")
	}
	if cl.Allow("c") {
		t.Error("value beyond the cap admitted")
	}
	if cl.Count() != 2 {
		t.Errorf("Count = %d", cl.Count())
	}
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveEvaluation(time.Millisecond, false, &engine.Decision{})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "test_evaluations_total") {
		t.Errorf("scrape missing evaluations_total:\n%s", body)
	}
}

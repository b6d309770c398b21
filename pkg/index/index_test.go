package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

func newTestIndex(t *testing.T) (*store.Store, *Indexer) {
	t.Helper()
	st, err := store.New(context.Background(), store.Options{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ix, err := New(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return st, ix
}

func setRule(id string, scope rule.ScopeRef, p rule.Priority, value string) *rule.Rule {
	return &rule.Rule{
		ID:       id,
		Name:     id,
		Type:     rule.TypeStyle,
		Scope:    scope,
		Priority: p,
		Tags:     []string{"style"},
		Conditions: []rule.Condition{
			{Field: rule.FieldLanguage, Operator: rule.OpRegex, Value: rule.String("^go")},
			{Field: rule.FieldTaskType, Operator: rule.OpEquals, Value: rule.String("code_generation")},
		},
		Actions: []rule.Action{{Type: rule.ActionSet, Target: "indent", Value: rule.String(value)}},
	}
}

func TestSnapshotTracksStore(t *testing.T) {
	st, ix := newTestIndex(t)
	ctx := context.Background()
	project := rule.ScopeRef{Level: rule.ScopeProject, Target: "kanban"}

	before := ix.Snapshot()
	if _, err := st.Create(ctx, setRule("low", project, rule.PriorityLow, "tabs")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := st.Create(ctx, setRule("high", project, rule.PriorityHigh, "spaces")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	snap := ix.Snapshot()
	if before.Len() != 0 {
		t.Error("published snapshot was modified in place")
	}
	if snap.Seq() <= before.Seq() {
		t.Errorf("sequence did not advance: %d <= %d", snap.Seq(), before.Seq())
	}
	scoped := snap.Scope(project)
	if len(scoped) != 2 || scoped[0].Rule.ID != "high" || scoped[1].Rule.ID != "low" {
		t.Fatalf("scope index not priority ordered: %v", ids(scoped))
	}
	if got := snap.ByType(rule.TypeStyle); len(got) != 2 {
		t.Errorf("ByType = %v", got)
	}
	if got := snap.ByTag("style"); len(got) != 2 || got[0] != "high" {
		t.Errorf("ByTag = %v", got)
	}

	e, _ := snap.Get("high")
	if e.Predicates[0].Field() != rule.FieldTaskType {
		t.Errorf("predicates not ordered by cost: first is %s", e.Predicates[0].Field())
	}
	if len(e.Fields) != 2 || e.Fields[0] != rule.FieldLanguage {
		t.Errorf("Fields = %v", e.Fields)
	}

	if err := st.Delete(ctx, "low", false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := ix.Snapshot().Scope(project); len(got) != 1 {
		t.Errorf("deleted rule still indexed: %v", ids(got))
	}
}

func TestUnrelatedChangeKeepsStamp(t *testing.T) {
	st, ix := newTestIndex(t)
	ctx := context.Background()

	a, err := st.Create(ctx, setRule("a", rule.Global(), rule.PriorityNormal, "tabs"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	chainA := []rule.ScopeRef{rule.Global()}
	stampA := Stamp(ix.Snapshot().Candidates(chainA))

	other := rule.ScopeRef{Level: rule.ScopeProject, Target: "other"}
	if _, err := st.Create(ctx, setRule("b", other, rule.PriorityNormal, "x")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := Stamp(ix.Snapshot().Candidates(chainA)); got != stampA {
		t.Errorf("unrelated change moved stamp: %d -> %d", stampA, got)
	}

	if _, err := st.Update(ctx, setRule("a", rule.Global(), rule.PriorityNormal, "spaces"), a.Version); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := Stamp(ix.Snapshot().Candidates(chainA)); got == stampA {
		t.Error("update of a candidate did not move the stamp")
	}
}

func TestOverrideReindexedWhenParentChanges(t *testing.T) {
	st, ix := newTestIndex(t)
	ctx := context.Background()

	parent, err := st.Create(ctx, setRule("base", rule.Global(), rule.PriorityNormal, "tabs"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ovr := &rule.Rule{
		ID:     "ovr",
		Parent: "base",
		Scope:  rule.ScopeRef{Level: rule.ScopeProject, Target: "kanban"},
		Actions: []rule.Action{
			{Type: rule.ActionSet, Target: "line_length", Value: rule.String("100")},
		},
	}
	if _, err := st.Create(ctx, ovr); err != nil {
		t.Fatalf("Create override failed: %v", err)
	}
	before, _ := ix.Snapshot().Get("ovr")

	upd := setRule("base", rule.Global(), rule.PriorityHigh, "tabs")
	if _, err := st.Update(ctx, upd, parent.Version); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	after, ok := ix.Snapshot().Get("ovr")
	if !ok {
		t.Fatal("override missing after parent update")
	}
	if after.Rule.Priority != rule.PriorityHigh {
		t.Errorf("override did not inherit new priority: %v", after.Rule.Priority)
	}
	if after.Changed <= before.Changed {
		t.Error("override entry not restamped")
	}
	if len(after.Rule.Actions) != 2 {
		t.Errorf("effective actions = %+v", after.Rule.Actions)
	}
}

func TestRebuildPreservesUnchangedEntries(t *testing.T) {
	st, ix := newTestIndex(t)
	if _, err := st.Create(context.Background(), setRule("a", rule.Global(), rule.PriorityNormal, "tabs")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before, _ := ix.Snapshot().Get("a")
	if err := ix.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	after, _ := ix.Snapshot().Get("a")
	if after.Changed != before.Changed {
		t.Errorf("rebuild restamped an unchanged entry: %d -> %d", before.Changed, after.Changed)
	}
}

func TestKeyForIgnoresUnreferencedFields(t *testing.T) {
	st, ix := newTestIndex(t)
	if _, err := st.Create(context.Background(), setRule("a", rule.Global(), rule.PriorityNormal, "tabs")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	chain := []rule.ScopeRef{rule.Global()}
	levels := ix.Snapshot().Candidates(chain)

	base := rule.Context{rule.FieldTaskType: "code_generation", rule.FieldLanguage: "go"}
	noisy := rule.Context{rule.FieldTaskType: "code_generation", rule.FieldLanguage: "go", rule.FieldUserID: "u1"}
	different := rule.Context{rule.FieldTaskType: "review", rule.FieldLanguage: "go"}

	if KeyFor(chain, levels, base) != KeyFor(chain, levels, noisy) {
		t.Error("unreferenced field changed the key")
	}
	if KeyFor(chain, levels, base) == KeyFor(chain, levels, different) {
		t.Error("referenced field did not change the key")
	}
}

func TestCacheStampAndTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache[string](CacheConfig{MaxEntries: 2, TTL: time.Minute, Now: func() time.Time { return now }})
	k1, k2, k3 := Key{1}, Key{2}, Key{3}

	c.Put(k1, 5, "one")
	if v, ok := c.Get(k1, 5); !ok || v != "one" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if _, ok := c.Get(k1, 6); ok {
		t.Error("entry served for a newer stamp")
	}
	if _, ok := c.Get(k1, 5); ok {
		t.Error("stale entry should have been dropped")
	}

	c.Put(k1, 1, "one")
	c.Put(k2, 1, "two")
	c.Get(k1, 1)
	c.Put(k3, 1, "three")
	if _, ok := c.Get(k2, 1); ok {
		t.Error("least recently used entry was not evicted")
	}
	if _, ok := c.Get(k1, 1); !ok {
		t.Error("recently used entry was evicted")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(k3, 1); ok {
		t.Error("expired entry served")
	}

	stats := c.Stats()
	if stats.Evictions != 1 || stats.Hits != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheDoCoalesces(t *testing.T) {
	c := NewCache[int](CacheConfig{MaxEntries: 10})
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Do(Key{9}, 1, func() int {
				calls.Add(1)
				<-release
				return 42
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 8 {
		t.Fatalf("calls = %d", n)
	}
	if v, hit := c.Do(Key{9}, 1, func() int { return 0 }); !hit || v != 42 {
		t.Errorf("Do after fill = %d, %v", v, hit)
	}
}

func TestDisabledCache(t *testing.T) {
	c := NewCache[int](CacheConfig{})
	c.Put(Key{1}, 1, 7)
	if _, ok := c.Get(Key{1}, 1); ok {
		t.Error("disabled cache returned a value")
	}
	if v, hit := c.Do(Key{1}, 1, func() int { return 3 }); v != 3 || hit {
		t.Errorf("Do = %d, %v", v, hit)
	}
}

func ids(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Rule.ID
	}
	return out
}

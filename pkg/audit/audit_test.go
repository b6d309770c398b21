package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestSQLiteSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(&SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewSQLiteSink failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sinks(t *testing.T) map[string]Sink {
	return map[string]Sink{
		"memory": NewMemorySink(),
		"sqlite": newTestSQLiteSink(t),
	}
}

func seed(t *testing.T, s Sink) {
	t.Helper()
	records := []*Record{
		{ID: "1", Kind: KindRuleCreated, RuleID: "r1", Version: 1, Timestamp: 1, Node: "a", RecordedAt: t0},
		{ID: "2", Kind: KindRuleUpdated, RuleID: "r1", Version: 2, Timestamp: 2, Node: "a", RecordedAt: t0.Add(time.Minute)},
		{ID: "3", Kind: KindConflict, RuleID: "r2", RuleIDs: []string{"r2", "r3"}, Node: "b", Peer: "a",
			Detail: map[string]string{"strategy": "latest_created"}, RecordedAt: t0.Add(2 * time.Minute)},
		{ID: "4", Kind: KindRuleDeleted, RuleID: "r3", Version: 4, Timestamp: 9, Node: "b", Remote: true, Origin: "a",
			RecordedAt: t0.Add(3 * time.Minute)},
	}
	for _, r := range records {
		if err := s.Append(context.Background(), r); err != nil {
			t.Fatalf("Append %s failed: %v", r.ID, err)
		}
	}
}

func ids(records []*Record) string {
	out := ""
	for _, r := range records {
		out += r.ID
	}
	return out
}

func TestSinkQuery(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  string
	}{
		{"all", Query{}, "1234"},
		{"descending", Query{Descending: true}, "4321"},
		{"by kind", Query{Kind: KindRuleUpdated}, "2"},
		{"by rule includes conflicts", Query{RuleID: "r3"}, "34"},
		{"by node", Query{Node: "b"}, "34"},
		{"since", Query{Since: t0.Add(90 * time.Second)}, "34"},
		{"until", Query{Until: t0.Add(time.Minute)}, "12"},
		{"paged", Query{Limit: 2, Offset: 1}, "23"},
		{"offset past end", Query{Offset: 10}, ""},
	}
	for name, s := range sinks(t) {
		seed(t, s)
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				got, err := s.Query(context.Background(), tt.query)
				if err != nil {
					t.Fatalf("Query failed: %v", err)
				}
				if ids(got) != tt.want {
					t.Errorf("Query() = %q, want %q", ids(got), tt.want)
				}
			})
		}
	}
}

func TestSinkRoundTripsFields(t *testing.T) {
	for name, s := range sinks(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			got, err := s.Query(context.Background(), Query{Kind: KindConflict})
			if err != nil || len(got) != 1 {
				t.Fatalf("Query = %v, %v", got, err)
			}
			c := got[0]
			if len(c.RuleIDs) != 2 || c.RuleIDs[1] != "r3" || c.Peer != "a" ||
				c.Detail["strategy"] != "latest_created" || !c.RecordedAt.Equal(t0.Add(2*time.Minute)) {
				t.Errorf("conflict record = %+v", c)
			}

			got, _ = s.Query(context.Background(), Query{Kind: KindRuleDeleted})
			if d := got[0]; !d.Remote || d.Origin != "a" || d.Timestamp != 9 || d.Version != 4 {
				t.Errorf("delete record = %+v", d)
			}
		})
	}
}

func TestSinkCountAndPrune(t *testing.T) {
	for name, s := range sinks(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			ctx := context.Background()
			if n, err := s.Count(ctx, Query{RuleID: "r1"}); err != nil || n != 2 {
				t.Fatalf("Count = %d, %v", n, err)
			}
			n, err := s.Prune(ctx, t0.Add(2*time.Minute))
			if err != nil || n != 2 {
				t.Fatalf("Prune = %d, %v", n, err)
			}
			if n, _ := s.Count(ctx, Query{}); n != 2 {
				t.Errorf("%d records left after prune, want 2", n)
			}
		})
	}
}

func TestSQLiteSinkPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	s, err := NewSQLiteSink(&SQLiteConfig{Path: path, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSQLiteSink failed: %v", err)
	}
	seed(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewSQLiteSink(&SQLiteConfig{Path: path, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if n, _ := s.Count(context.Background(), Query{}); n != 4 {
		t.Errorf("reopened sink has %d records, want 4", n)
	}
}

func newTestRecorder(t *testing.T, sink Sink) *Recorder {
	t.Helper()
	r := NewRecorder(sink, Config{
		Node:         "node-a",
		BufferSize:   16,
		WriteTimeout: time.Second,
		Now:          func() time.Time { return t0 },
	})
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecorderDrainsOnClose(t *testing.T) {
	sink := NewMemorySink()
	r := newTestRecorder(t, sink)

	ev := store.ChangeEvent{
		Kind:      store.ChangeUpdated,
		ID:        "r1",
		Rule:      &rule.Rule{ID: "r1", Version: 3, Origin: "node-b"},
		Affected:  []string{"r1", "r1-override"},
		Remote:    true,
		Timestamp: 42,
	}
	if err := r.RecordChange(ev); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}
	err := r.RecordConflict(&conflict.Record{
		ID:       "c1",
		Kind:     conflict.KindSync,
		RuleIDs:  []string{"r1"},
		Strategy: rule.StrategyLatestCreated,
		Winner:   "node-b",
		Peer:     "node-b",
		Versions: []uint64{4, 3},
	})
	if err != nil {
		t.Fatalf("RecordConflict failed: %v", err)
	}
	if err := r.RecordEmergency("freeze", 2, 3, 2); err != nil {
		t.Fatalf("RecordEmergency failed: %v", err)
	}
	r.Close()

	got, _ := sink.Query(context.Background(), Query{})
	if len(got) != 3 {
		t.Fatalf("sink has %d records, want 3", len(got))
	}
	byKind := make(map[Kind]*Record)
	for _, rec := range got {
		byKind[rec.Kind] = rec
	}
	change := byKind[KindRuleUpdated]
	if change == nil || change.Version != 3 || change.Origin != "node-b" ||
		!change.Remote || change.Timestamp != 42 || change.Node != "node-a" || change.ID == "" ||
		!change.RecordedAt.Equal(t0) || len(change.RuleIDs) != 2 {
		t.Errorf("change record = %+v", change)
	}
	c := byKind[KindConflict]
	if c == nil || c.RuleID != "r1" || c.Version != 4 ||
		c.Detail["winner"] != "node-b" || c.Detail["source"] != "sync" || c.Detail["escalated"] != "false" {
		t.Errorf("conflict record = %+v", c)
	}
	if e := byKind[KindEmergencyPush]; e == nil || e.Detail["acked"] != "2" || e.Detail["peers"] != "3" {
		t.Errorf("emergency record = %+v", e)
	}
}

func TestRecorderRejectsAfterClose(t *testing.T) {
	r := newTestRecorder(t, NewMemorySink())
	r.Close()
	err := r.Record(&Record{Kind: KindRuleCreated, RuleID: "r1"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Record after Close = %v, want ErrClosed", err)
	}
}

type blockingSink struct {
	*MemorySink
	release chan struct{}
}

func (s *blockingSink) Append(ctx context.Context, rec *Record) error {
	<-s.release
	return s.MemorySink.Append(ctx, rec)
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	sink := &blockingSink{MemorySink: NewMemorySink(), release: make(chan struct{})}
	r := NewRecorder(sink, Config{BufferSize: 1, WriteTimeout: 20 * time.Millisecond})
	t.Cleanup(func() {
		close(sink.release)
		r.Close()
	})

	var dropped error
	// The worker holds one record while blocked and the buffer holds one
	// more, so the third record cannot be queued.
	for i := 0; i < 3 && dropped == nil; i++ {
		dropped = r.Record(&Record{Kind: KindRuleCreated, RuleID: "r"})
	}
	var recErr *RecorderError
	if !errors.As(dropped, &recErr) || !errors.Is(dropped, context.DeadlineExceeded) {
		t.Fatalf("expected a dropped record, got %v", dropped)
	}
}

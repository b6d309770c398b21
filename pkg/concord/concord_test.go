package concord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"mercator-hq/concord/pkg/audit"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/notify"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
	"mercator-hq/concord/pkg/telemetry/health"
	"mercator-hq/concord/pkg/telemetry/logging"
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

type testNode struct {
	*Concord
	clock    *testClock
	sink     *audit.MemorySink
	notifier *recordingNotifier
}

func newTestNode(t *testing.T, id string, tweak func(*Options)) *testNode {
	t.Helper()
	clk := &testClock{now: baseTime}
	sink := audit.NewMemorySink()
	rn := &recordingNotifier{}
	opts := Options{
		NodeID:          id,
		DefaultStrategy: rule.StrategyHighestPriority,
		AuditSink:       sink,
		Notifier:        rn,
		Now:             clk.Now,
		Logger:          logging.Discard(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &testNode{Concord: c, clock: clk, sink: sink, notifier: rn}
}

func authorRule(id, value string, p rule.Priority) *rule.Rule {
	return &rule.Rule{
		ID:       id,
		Name:     id,
		Type:     rule.TypeAuthorship,
		Scope:    rule.Global(),
		Priority: p,
		Actions:  []rule.Action{{Type: rule.ActionSet, Target: "author", Value: rule.String(value)}},
	}
}

func (n *testNode) mustCreate(t *testing.T, r *rule.Rule) *rule.Rule {
	t.Helper()
	out, err := n.CreateRule(context.Background(), r)
	if err != nil {
		t.Fatalf("CreateRule %s failed: %v", r.ID, err)
	}
	return out
}

func (n *testNode) auditKinds(t *testing.T) []audit.Kind {
	t.Helper()
	recs, err := n.sink.Query(context.Background(), audit.Query{Limit: 1000})
	if err != nil {
		t.Fatalf("audit query failed: %v", err)
	}
	out := make([]audit.Kind, len(recs))
	for i, r := range recs {
		out[i] = r.Kind
	}
	return out
}

func count[T comparable](xs []T, x T) int {
	n := 0
	for _, v := range xs {
		if v == x {
			n++
		}
	}
	return n
}

func TestNewRequiresNodeID(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatal("expected an error without node id")
	}
}

func TestCreateRuleAssignsID(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	def := authorRule("", "Org", rule.PriorityNormal)

	got := n.mustCreate(t, def)
	if got.ID == "" {
		t.Fatal("expected a generated id")
	}
	if def.ID != "" {
		t.Errorf("definition was modified: id %q", def.ID)
	}
	if _, err := n.GetRule(context.Background(), got.ID); err != nil {
		t.Errorf("GetRule(%s) failed: %v", got.ID, err)
	}
}

func TestRuleLifecycle(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	ctx := context.Background()

	parent := n.mustCreate(t, authorRule("org", "Org", rule.PriorityNormal))
	ov, err := n.CreateOverride(ctx, "org", &rule.Rule{
		ID:      "team",
		Scope:   rule.ScopeRef{Level: rule.ScopeProject, Target: "payments"},
		Actions: []rule.Action{{Type: rule.ActionSet, Target: "author", Value: rule.String("Payments")}},
	})
	if err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}
	if ov.Parent != "org" {
		t.Errorf("override parent = %q", ov.Parent)
	}
	if _, err := n.CreateOverride(ctx, "", authorRule("x", "X", rule.PriorityNormal)); err == nil {
		t.Error("expected an error for an override without parent")
	}

	upd := parent.Clone()
	upd.Actions[0].Value = rule.String("Org Name")
	if _, err := n.UpdateRule(ctx, upd, parent.Version); err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}
	if _, err := n.UpdateRule(ctx, upd, parent.Version); !errors.Is(err, rule.ErrVersionConflict) {
		t.Errorf("stale update = %v, want version conflict", err)
	}

	hist, err := n.RuleHistory(ctx, "org")
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %d entries, err %v", len(hist), err)
	}

	overrides, err := n.ListRules(ctx, store.Filter{OverridesOnly: true})
	if err != nil || len(overrides) != 1 || overrides[0].ID != "team" {
		t.Fatalf("ListRules(overrides) = %v, err %v", overrides, err)
	}

	if err := n.DeleteRule(ctx, "org", false); !errors.Is(err, rule.ErrHasDependents) {
		t.Errorf("delete with dependents = %v", err)
	}
	if err := n.DeleteRule(ctx, "org", true); err != nil {
		t.Fatalf("cascade delete failed: %v", err)
	}
	if _, err := n.GetRule(ctx, "team"); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("override survived cascade: %v", err)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	kinds := n.auditKinds(t)
	if count(kinds, audit.KindRuleCreated) != 2 || count(kinds, audit.KindRuleUpdated) != 1 {
		t.Errorf("audit kinds = %v", kinds)
	}
	if count(kinds, audit.KindRuleDeleted) == 0 {
		t.Errorf("deletion not audited: %v", kinds)
	}
}

func TestEvaluateRecordsUnresolvedConflictOnce(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	ctx := context.Background()
	n.mustCreate(t, authorRule("a", "A", rule.PriorityNormal))
	b := authorRule("b", "B", rule.PriorityNormal)
	b.Conditions = []rule.Condition{{Field: rule.FieldProjectID, Operator: rule.OpNotEquals, Value: rule.String("sandbox")}}
	n.mustCreate(t, b)

	for range 3 {
		d, err := n.Evaluate(ctx, rule.Context{rule.FieldProjectID: "payments"})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if !d.Unresolved {
			t.Fatal("expected an unresolved decision")
		}
	}

	recs := n.Conflicts(conflict.Filter{Kind: conflict.KindEvaluation})
	if len(recs) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(recs))
	}
	rec := recs[0]
	if !rec.Escalated || rec.Target != "author" || !slices.Equal(rec.RuleIDs, []string{"a", "b"}) {
		t.Errorf("conflict = %+v", rec)
	}

	// A different value of a referenced field is a separate conflict.
	if _, err := n.Evaluate(ctx, rule.Context{rule.FieldProjectID: "billing"}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got := n.ConflictLog().Len(); got != 2 {
		t.Errorf("conflict log has %d records, want 2", got)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := count(n.notifier.kinds(), notify.KindUnresolvedConflict); got != 2 {
		t.Errorf("unresolved notifications = %d, want 2", got)
	}
	if got := count(n.auditKinds(t), audit.KindConflict); got != 2 {
		t.Errorf("conflict audit records = %d, want 2", got)
	}
}

func TestEvaluateIgnoresUnreferencedFieldsForConflicts(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	ctx := context.Background()
	n.mustCreate(t, authorRule("a", "A", rule.PriorityNormal))
	n.mustCreate(t, authorRule("b", "B", rule.PriorityNormal))

	for i := range 50 {
		c := rule.Context{
			rule.FieldProjectID: "payments",
			rule.FieldFilePath:  fmt.Sprintf("src/file%d.go", i),
		}
		if _, err := n.Evaluate(ctx, c); err != nil {
			t.Fatalf("Evaluate %d failed: %v", i, err)
		}
	}

	if got := len(n.Conflicts(conflict.Filter{})); got != 1 {
		t.Fatalf("conflicts = %d, want 1", got)
	}
	if got := n.ConflictLog().Len(); got != 1 {
		t.Errorf("conflict log has %d records, want 1", got)
	}
}

func TestSettleConflict(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	ctx := context.Background()
	n.mustCreate(t, authorRule("a", "A", rule.PriorityNormal))
	n.mustCreate(t, authorRule("b", "B", rule.PriorityNormal))
	if _, err := n.Evaluate(ctx, rule.Context{}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	id := n.Conflicts(conflict.Filter{})[0].ID

	tests := []struct {
		name   string
		id     string
		winner string
	}{
		{"unknown conflict", "nope", "a"},
		{"empty winner", id, ""},
		{"winner outside the conflict", id, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := n.SettleConflict(tt.id, tt.winner, "ops"); err == nil {
				t.Error("expected an error")
			}
		})
	}

	rec, err := n.SettleConflict(id, "b", "ops")
	if err != nil {
		t.Fatalf("SettleConflict failed: %v", err)
	}
	if rec.Escalated || rec.Winner != "b" || rec.ResolvedBy != "ops" {
		t.Errorf("settled record = %+v", rec)
	}
	if _, err := n.SettleConflict(id, "a", "ops"); err == nil {
		t.Error("expected settling twice to fail")
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := count(n.auditKinds(t), audit.KindConflictSettle); got != 1 {
		t.Errorf("settle audit records = %d, want 1", got)
	}
}

const bundleV1 = `rules:
  - id: org-author
    name: Organization author
    type: authorship
    scope: global
    priority: HIGH
    actions:
      - {type: set, target: author, value: Org Name}
  - id: org-style
    name: Organization style
    type: style
    scope: global
    actions:
      - {type: set, target: formatter, value: gofmt}
`

const bundleV2 = `rules:
  - id: org-author
    name: Organization author
    type: authorship
    scope: global
    priority: HIGH
    actions:
      - {type: set, target: author, value: Org Team}
`

func writeBundle(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	n := newTestNode(t, "node-a", func(o *Options) { o.Rules.Path = dir })
	ctx := context.Background()

	writeBundle(t, filepath.Join(dir, "org.yaml"), bundleV1)
	res, err := n.LoadRules(ctx)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if len(res.Report.Created) != 2 || len(res.Errors) != 0 {
		t.Fatalf("first load = %+v", res.Report)
	}

	writeBundle(t, filepath.Join(dir, "org.yaml"), bundleV2)
	writeBundle(t, filepath.Join(dir, "broken.yaml"), "rules: [")
	res, err = n.LoadRules(ctx)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if !slices.Equal(res.Report.Updated, []string{"org-author"}) || !slices.Equal(res.Report.Deleted, []string{"org-style"}) {
		t.Errorf("second load = %+v", res.Report)
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected the broken bundle to be reported, got %v", res.Errors)
	}

	r, err := n.GetRule(ctx, "org-author")
	if err != nil || r.Actions[0].Value.Scalar != "Org Team" {
		t.Errorf("org-author = %+v, err %v", r, err)
	}
}

func TestLoadRulesWithoutSource(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	if _, err := n.LoadRules(context.Background()); err == nil {
		t.Error("expected an error without a rule source")
	}
	if _, err := n.PullRules(context.Background()); err == nil {
		t.Error("expected an error without a git source")
	}
}

func newPair(t *testing.T, tweak func(*Options)) (*testNode, *testNode) {
	t.Helper()
	net := replication.NewNetwork()
	node := func(id, peer string) *testNode {
		n := newTestNode(t, id, func(o *Options) {
			o.Replication = replication.Options{
				Transport:        net,
				Peers:            []replication.PeerConfig{{Name: peer, Address: peer}},
				HandshakeTimeout: time.Second,
				TransferTimeout:  2 * time.Second,
				MaxAttempts:      2,
				BackoffInitial:   time.Millisecond,
				BackoffMax:       5 * time.Millisecond,
			}
			if tweak != nil {
				tweak(o)
			}
		})
		net.Register(id, n.Coordinator())
		if err := n.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		return n
	}
	return node("node-a", "node-b"), node("node-b", "node-a")
}

func TestForceSyncReplicatesRules(t *testing.T) {
	a, b := newPair(t, nil)
	ctx := context.Background()
	a.mustCreate(t, authorRule("org", "Org", rule.PriorityNormal))

	if err := a.ForceSync(ctx, "all"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	got, err := b.GetRule(ctx, "org")
	if err != nil {
		t.Fatalf("rule not replicated: %v", err)
	}
	if got.Origin != "node-a" {
		t.Errorf("origin = %q", got.Origin)
	}

	st := a.SyncStatus()
	if len(st) != 1 || st[0].Peer != "node-b" || st[0].State != replication.StateSynced {
		t.Errorf("sync status = %+v", st)
	}
	if status := b.Status(); status.Rules != 1 || len(status.Peers) != 1 {
		t.Errorf("status = %+v", status)
	}

	if err := a.ForceSync(ctx, "node-z"); err == nil {
		t.Error("expected an error for an unknown peer")
	}
}

func TestEmergencyPushIsAuditedAndAnnounced(t *testing.T) {
	a, b := newPair(t, nil)
	ctx := context.Background()
	a.mustCreate(t, authorRule("freeze", "Frozen", rule.PriorityCritical))

	reports, err := a.EmergencyPush(ctx, "freeze")
	if err != nil {
		t.Fatalf("EmergencyPush failed: %v", err)
	}
	if len(reports) != 1 || !reports[0].Acked {
		t.Fatalf("reports = %+v", reports)
	}
	if _, err := b.GetRule(ctx, "freeze"); err != nil {
		t.Fatalf("rule not pushed: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := count(a.notifier.kinds(), notify.KindEmergencyPush); got != 1 {
		t.Errorf("emergency notifications = %d, want 1", got)
	}
	if got := count(a.auditKinds(t), audit.KindEmergencyPush); got != 1 {
		t.Errorf("emergency audit records = %d, want 1", got)
	}
}

func TestStartTwice(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := n.Start(context.Background()); err == nil {
		t.Error("expected Start after Close to fail")
	}
}

func TestSchedulerSweepsExpiredOverrides(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	ctx := context.Background()
	n.mustCreate(t, authorRule("org", "Org", rule.PriorityNormal))
	expires := baseTime.Add(time.Minute)
	if _, err := n.CreateOverride(ctx, "org", &rule.Rule{
		ID:        "temp",
		Scope:     rule.Global(),
		ExpiresAt: &expires,
		Actions:   []rule.Action{{Type: rule.ActionSet, Target: "author", Value: rule.String("Temp")}},
	}); err != nil {
		t.Fatalf("CreateOverride failed: %v", err)
	}

	s, err := NewScheduler(n.Concord, SchedulerConfig{Sweep: "@every 1m", AuditRetention: 24 * time.Hour, AuditPrune: "0 3 * * *"})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if got, want := s.Jobs(), []string{JobAuditPrune, JobSweep}; !slices.Equal(got, want) {
		t.Errorf("jobs = %v, want %v", got, want)
	}

	if err := s.Run(ctx, JobSweep); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if _, err := n.GetRule(ctx, "temp"); err != nil {
		t.Fatalf("override removed before expiry: %v", err)
	}

	n.clock.Advance(2 * time.Minute)
	if err := s.Run(ctx, JobSweep); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if _, err := n.GetRule(ctx, "temp"); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("expired override survived: %v", err)
	}
	if err := s.Run(ctx, "nope"); err == nil {
		t.Error("expected an error for an unknown job")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	s, err := NewScheduler(n.Concord, SchedulerConfig{Sweep: "@every 1h"})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if !s.NextRun(JobSweep).IsZero() {
		t.Error("expected no next run before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.NextRun(JobSweep).IsZero() {
		t.Error("expected a next run after Start")
	}
	s.Stop()
	s.Stop()
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	if _, err := NewScheduler(n.Concord, SchedulerConfig{Sweep: "whenever"}); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}

func TestPruneAudit(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	ctx := context.Background()
	n.mustCreate(t, authorRule("org", "Org", rule.PriorityNormal))
	if err := n.Audit().Close(); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	pruned, err := n.PruneAudit(ctx, baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("PruneAudit failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestHealthChecks(t *testing.T) {
	n := newTestNode(t, "node-a", nil)
	checker := health.New("node-a", time.Second)
	n.RegisterHealthChecks(checker)

	if got, want := checker.ListChecks(), []string{"audit", "index", "replication", "store"}; !slices.Equal(got, want) {
		t.Errorf("checks = %v, want %v", got, want)
	}
	st := checker.CheckReadiness(context.Background())
	if st.Status != health.StatusReady {
		t.Errorf("readiness = %+v", st)
	}
}

func TestOpenPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.ID = "node-a"
	cfg.Node.DataDir = dir
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLite.Path = ""
	cfg.Audit.Backend = "sqlite"
	cfg.Audit.SQLitePath = ""
	cfg.Replication.Journal.Backend = "badger"
	cfg.Replication.Journal.Path = ""
	cfg.Notify.Log = false
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	ctx := context.Background()
	deps := Deps{Logger: logging.Discard()}

	c, err := Open(ctx, cfg, deps)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := c.CreateRule(ctx, authorRule("org", "Org", rule.PriorityNormal)); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c, err = Open(ctx, cfg, deps)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()
	if _, err := c.GetRule(ctx, "org"); err != nil {
		t.Errorf("rule lost across restart: %v", err)
	}
	n, err := c.Audit().Sink().Count(ctx, audit.Query{Kind: audit.KindRuleCreated})
	if err != nil || n != 1 {
		t.Errorf("audit count = %d, err %v", n, err)
	}
}

func TestSchedulerConfigFrom(t *testing.T) {
	cfg := config.Default()
	sc := SchedulerConfigFrom(cfg)
	if sc.RoutineSync != "" || sc.GitPoll != "" || sc.AuditPrune != "" {
		t.Errorf("disabled features scheduled: %+v", sc)
	}
	if sc.Sweep == "" {
		t.Error("expected the override sweep to be scheduled")
	}

	cfg.Replication.Enabled = true
	cfg.Audit.RetentionDays = 7
	sc = SchedulerConfigFrom(cfg)
	if sc.RoutineSync == "" || sc.Reconnect == "" {
		t.Errorf("replication jobs not scheduled: %+v", sc)
	}
	if sc.AuditRetention != 7*24*time.Hour {
		t.Errorf("retention = %v", sc.AuditRetention)
	}
}

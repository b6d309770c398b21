package replication

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

var baseTime = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type testNode struct {
	store *store.Store
	coord *Coordinator
}

func newTestStore(t *testing.T, name string, now time.Time) *store.Store {
	t.Helper()
	st, err := store.New(context.Background(), store.Options{
		NodeID:     name,
		Now:        func() time.Time { return now },
		MaxHistory: 10,
	})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// newTestNode starts a coordinator for st reachable on net at its node id,
// with one peer per name in peers addressed by that name.
func newTestNode(t *testing.T, net *Network, st *store.Store, peers []string, tweak func(*Options)) *testNode {
	t.Helper()
	opts := Options{
		Store:            st,
		Transport:        net,
		HandshakeTimeout: time.Second,
		TransferTimeout:  2 * time.Second,
		MaxAttempts:      3,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
	}
	for _, p := range peers {
		opts.Peers = append(opts.Peers, PeerConfig{Name: p, Address: p})
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if net != nil {
		net.Register(st.NodeID(), c)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return &testNode{store: st, coord: c}
}

func setRule(id, value string, p rule.Priority) *rule.Rule {
	return &rule.Rule{
		ID:       id,
		Name:     id,
		Type:     rule.TypeOperational,
		Scope:    rule.Global(),
		Priority: p,
		Actions:  []rule.Action{{Type: rule.ActionSet, Target: "mode", Value: rule.String(value)}},
	}
}

func mustCreate(t *testing.T, st *store.Store, r *rule.Rule) *rule.Rule {
	t.Helper()
	out, err := st.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create %s failed: %v", r.ID, err)
	}
	return out
}

func sameRow(t *testing.T, id string, a, b *store.Store) {
	t.Helper()
	ra, okA := a.Raw(id)
	rb, okB := b.Raw(id)
	if !okA || !okB {
		t.Fatalf("rule %s missing: %s=%v %s=%v", id, a.NodeID(), okA, b.NodeID(), okB)
	}
	if ra.Version != rb.Version || ra.Vector.String() != rb.Vector.String() ||
		ra.Origin != rb.Origin || ra.Deleted != rb.Deleted || !ra.SameDefinition(rb) {
		t.Errorf("rule %s diverged:\n%s: v%d %s %+v\n%s: v%d %s %+v", id,
			a.NodeID(), ra.Version, ra.Vector, ra.Actions,
			b.NodeID(), rb.Version, rb.Vector, rb.Actions)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlan(t *testing.T) {
	meta := func(id string, v rule.VersionVector) store.Meta {
		return store.Meta{ID: id, Vector: v}
	}
	local := []store.Meta{
		meta("both-equal", rule.VersionVector{"a": 1}),
		meta("local-newer", rule.VersionVector{"a": 2}),
		meta("remote-newer", rule.VersionVector{"a": 1}),
		meta("concurrent", rule.VersionVector{"a": 1}),
		meta("local-only", rule.VersionVector{"a": 1}),
	}
	remote := []store.Meta{
		meta("both-equal", rule.VersionVector{"a": 1}),
		meta("local-newer", rule.VersionVector{"a": 1}),
		meta("remote-newer", rule.VersionVector{"a": 1, "b": 1}),
		meta("concurrent", rule.VersionVector{"b": 1}),
		meta("remote-only", rule.VersionVector{"b": 1}),
	}
	fetch, push := plan(local, remote)
	if got, want := strings.Join(fetch, ","), "concurrent,remote-newer,remote-only"; got != want {
		t.Errorf("fetch = %s, want %s", got, want)
	}
	if got, want := strings.Join(push, ","), "local-newer,local-only"; got != want {
		t.Errorf("push = %s, want %s", got, want)
	}
}

func TestCodec(t *testing.T) {
	created := baseTime.Add(123456789 * time.Nanosecond)
	r := setRule("r1", strings.Repeat("x", 2048), rule.PriorityHigh)
	r.CreatedAt, r.UpdatedAt = created, created
	r.Vector = rule.VersionVector{"a": 3}

	for _, compress := range []bool{false, true} {
		codec := Codec{Compress: compress}
		data, err := codec.Encode(Envelope{Kind: KindPush, From: "a", Clock: 9}, Rules{Rules: []*rule.Rule{r}})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		env, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if env.Compressed != compress {
			t.Errorf("compress=%v: envelope compressed=%v", compress, env.Compressed)
		}
		var got Rules
		if err := codec.Body(env, &got); err != nil {
			t.Fatalf("Body failed: %v", err)
		}
		if len(got.Rules) != 1 || !got.Rules[0].SameDefinition(r) || !got.Rules[0].UpdatedAt.Equal(created) ||
			got.Rules[0].Vector.String() != "a:3" {
			t.Errorf("compress=%v: decoded %+v", compress, got.Rules)
		}

		if _, err := codec.Decode(corruptBody(data)); !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("compress=%v: corrupted body gave %v", compress, err)
		}
	}
}

func TestPeerStateTransitions(t *testing.T) {
	tests := []struct {
		from, to PeerState
		ok       bool
	}{
		{StateUnknown, StateHandshaking, true},
		{StateUnknown, StateSynced, false},
		{StateHandshaking, StateSyncing, true},
		{StateSyncing, StateSynced, true},
		{StateSynced, StateSyncing, true},
		{StateSyncing, StateDegraded, true},
		{StateDegraded, StateSyncing, true},
		{StateDegraded, StateSynced, false},
		{StateSynced, StateDisconnected, true},
		{StateDisconnected, StateSyncing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestRoutineSyncConverges(t *testing.T) {
	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, nil)
	b := newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)
	ctx := context.Background()

	r1 := mustCreate(t, a.store, setRule("r1", "strict", rule.PriorityNormal))
	mustCreate(t, a.store, setRule("r2", "fast", rule.PriorityNormal))
	mustCreate(t, b.store, setRule("r3", "quiet", rule.PriorityLow))

	if err := a.coord.SyncPeer(ctx, "b"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		sameRow(t, id, a.store, b.store)
	}

	st, _ := a.coord.PeerStatus("b")
	if st.State != StateSynced || st.LastSyncAt.IsZero() || st.Session == "" || st.PendingCount != 0 {
		t.Errorf("status = %+v", st)
	}

	if _, err := a.store.Update(ctx, setRule("r1", "relaxed", rule.PriorityNormal), r1.Version); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := a.store.Delete(ctx, "r2", false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := a.coord.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	sameRow(t, "r1", a.store, b.store)
	sameRow(t, "r2", a.store, b.store)
	if _, err := b.store.Get(ctx, "r2"); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("deleted rule still visible on b: %v", err)
	}
	if got, _ := b.store.Get(ctx, "r1"); got.Actions[0].Value.Scalar != "relaxed" {
		t.Errorf("b has r1 = %q", got.Actions[0].Value.Scalar)
	}

	states, err := a.coord.Journal().List("b")
	if err != nil || len(states) != 3 {
		t.Fatalf("journal for b = %+v, %v", states, err)
	}
	if conflicts := a.coord.Conflicts().Len() + b.coord.Conflicts().Len(); conflicts != 0 {
		t.Errorf("unexpected conflicts: %d", conflicts)
	}
}

func TestConcurrentEditProducesOneConflict(t *testing.T) {
	net := NewNetwork()
	var notified atomic.Int32
	onConflict := func(o *Options) {
		o.OnConflict = func(*conflict.Record) { notified.Add(1) }
	}
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, onConflict)
	b := newTestNode(t, net, newTestStore(t, "b", baseTime.Add(time.Minute)), []string{"a"}, onConflict)
	ctx := context.Background()

	mustCreate(t, a.store, setRule("shared", "from-a", rule.PriorityNormal))
	mustCreate(t, b.store, setRule("shared", "from-b", rule.PriorityNormal))

	if err := a.coord.SyncPeer(ctx, "b"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	if err := b.coord.SyncPeer(ctx, "a"); err != nil {
		t.Fatalf("reverse SyncPeer failed: %v", err)
	}
	sameRow(t, "shared", a.store, b.store)

	got, _ := a.store.Get(ctx, "shared")
	if got.Actions[0].Value.Scalar != "from-b" {
		t.Errorf("canonical value = %q, want the later edit", got.Actions[0].Value.Scalar)
	}

	records := append(a.coord.Conflicts().List(conflict.Filter{}), b.coord.Conflicts().List(conflict.Filter{})...)
	if len(records) != 1 {
		t.Fatalf("got %d conflict records, want 1", len(records))
	}
	rec := records[0]
	if rec.Kind != conflict.KindSync || rec.Winner != "b" || rec.Peer != "b" ||
		rec.Strategy != rule.StrategyLatestCreated || rec.RuleIDs[0] != "shared" {
		t.Errorf("record = %+v", rec)
	}
	if notified.Load() != 1 {
		t.Errorf("OnConflict called %d times", notified.Load())
	}

	history, err := a.store.History(ctx, "shared")
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %+v, %v", history, err)
	}
	if history[0].Reason != store.ReasonConflictLoser || history[0].Rule.Actions[0].Value.Scalar != "from-a" {
		t.Errorf("losing edit not retained: %+v", history[0])
	}
}

func TestPreferredNodeWinsConflict(t *testing.T) {
	net := NewNetwork()
	prefer := func(o *Options) { o.PreferredNode = "a" }
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, prefer)
	b := newTestNode(t, net, newTestStore(t, "b", baseTime.Add(time.Hour)), []string{"a"}, prefer)

	mustCreate(t, a.store, setRule("shared", "from-a", rule.PriorityNormal))
	mustCreate(t, b.store, setRule("shared", "from-b", rule.PriorityNormal))
	if err := b.coord.SyncPeer(context.Background(), "a"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	sameRow(t, "shared", a.store, b.store)
	got, _ := b.store.Raw("shared")
	if got.Actions[0].Value.Scalar != "from-a" {
		t.Errorf("canonical value = %q, want the preferred node's", got.Actions[0].Value.Scalar)
	}
	recs := b.coord.Conflicts().List(conflict.Filter{Kind: conflict.KindSync})
	if len(recs) != 1 || recs[0].Strategy != rule.StrategyOverride {
		t.Errorf("records = %+v", recs)
	}
}

func TestChecksumMismatchDegradesPeer(t *testing.T) {
	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, nil)
	newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)
	ctx := context.Background()

	net.CorruptReplies("b", -1)
	err := a.coord.SyncPeer(ctx, "b")
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) || mismatch.Peer != "b" {
		t.Fatalf("SyncPeer error = %v, want ChecksumMismatchError", err)
	}
	st, _ := a.coord.PeerStatus("b")
	if st.State != StateDegraded || st.Failures != 1 || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}

	// Routine cycles skip degraded peers.
	if err := a.coord.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if st, _ := a.coord.PeerStatus("b"); st.State != StateDegraded {
		t.Fatalf("degraded peer was synced: %+v", st)
	}

	net.CorruptReplies("b", 0)
	if err := a.coord.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	st, _ = a.coord.PeerStatus("b")
	if st.State != StateSynced || st.Failures != 0 {
		t.Errorf("status after reconnect = %+v", st)
	}
}

func TestTransientCorruptionIsRetried(t *testing.T) {
	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, nil)
	b := newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)
	mustCreate(t, b.store, setRule("r1", "x", rule.PriorityNormal))

	net.CorruptReplies("b", 2)
	if err := a.coord.SyncPeer(context.Background(), "b"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	sameRow(t, "r1", a.store, b.store)
}

func TestUnreachablePeerDegrades(t *testing.T) {
	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, nil)
	newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)

	net.Partition("b")
	if err := a.coord.SyncPeer(context.Background(), "b"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("SyncPeer error = %v", err)
	}
	if st, _ := a.coord.PeerStatus("b"); st.State != StateDegraded {
		t.Errorf("state = %s", st.State)
	}

	net.Heal("b")
	if err := a.coord.ForceSync(context.Background(), "b"); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if st, _ := a.coord.PeerStatus("b"); st.State != StateSynced {
		t.Errorf("state after ForceSync = %s", st.State)
	}
}

type slowHandler struct {
	delay time.Duration
}

func (h slowHandler) HandleWire(ctx context.Context, _ []byte) []byte {
	select {
	case <-time.After(h.delay):
	case <-ctx.Done():
	}
	return nil
}

func TestHandshakeTimeout(t *testing.T) {
	net := NewNetwork()
	net.Register("b", slowHandler{delay: time.Second})
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, func(o *Options) {
		o.HandshakeTimeout = 20 * time.Millisecond
		o.MaxAttempts = 2
	})

	err := a.coord.SyncPeer(context.Background(), "b")
	var timeout *SyncTimeoutError
	if !errors.As(err, &timeout) || timeout.Op != "handshake" || !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("SyncPeer error = %v, want handshake timeout", err)
	}
	if st, _ := a.coord.PeerStatus("b"); st.State != StateDegraded {
		t.Errorf("state = %s", st.State)
	}
}

type busyHandler struct{}

func (busyHandler) HandleWire(context.Context, []byte) []byte {
	data, _ := Codec{}.Encode(Envelope{Kind: KindBusy, From: "b"}, Busy{Queued: 1})
	return data
}

func TestBusyPeerIsRetriedThenDegraded(t *testing.T) {
	net := NewNetwork()
	net.Register("b", busyHandler{})
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, nil)

	err := a.coord.SyncPeer(context.Background(), "b")
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("SyncPeer error = %v, want backpressure", err)
	}
	if st, _ := a.coord.PeerStatus("b"); st.State != StateDegraded || st.Failures != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestFullInboundQueueAnswersBusy(t *testing.T) {
	st := newTestStore(t, "b", baseTime)
	c, err := New(Options{Store: st, QueueSize: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p := c.peerFor("a")
	// Mark running without starting workers so nothing drains the queue.
	c.mu.Lock()
	c.running, c.done = true, make(chan struct{})
	c.mu.Unlock()
	t.Cleanup(func() { close(c.done) })
	p.inbound <- &batch{done: make(chan []PushResult, 1)}

	req, err := Codec{}.Encode(Envelope{Kind: KindPush, From: "a"}, Rules{Rules: []*rule.Rule{setRule("r1", "x", rule.PriorityNormal)}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := Codec{}.Decode(c.HandleWire(context.Background(), req))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Kind != KindBusy {
		t.Fatalf("reply kind = %s, want busy", env.Kind)
	}
	if status, _ := c.PeerStatus("a"); status.PendingCount != 0 {
		t.Errorf("rejected push left pending count %d", status.PendingCount)
	}
}

func TestEmergencyPush(t *testing.T) {
	net := NewNetwork()
	var emergencies atomic.Int32
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b", "c"}, func(o *Options) {
		o.OnEmergency = func(string, []PushReport) { emergencies.Add(1) }
	})
	b := newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)
	newTestNode(t, net, newTestStore(t, "c", baseTime), []string{"a"}, nil)
	ctx := context.Background()

	net.Partition("c")
	if err := a.coord.SyncPeer(ctx, "c"); err == nil {
		t.Fatal("expected partitioned peer to fail")
	}

	mustCreate(t, a.store, setRule("freeze", "frozen", rule.PriorityCritical))
	reports, err := a.coord.EmergencyPush(ctx, "freeze")
	if err != nil {
		t.Fatalf("EmergencyPush failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Peer != "b" || !reports[0].Acked || reports[0].Outcome != store.OutcomeApplied {
		t.Fatalf("reports = %+v", reports)
	}
	sameRow(t, "freeze", a.store, b.store)
	if emergencies.Load() != 1 {
		t.Errorf("OnEmergency called %d times", emergencies.Load())
	}

	if _, err := a.coord.EmergencyPush(ctx, "missing"); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("EmergencyPush of unknown rule = %v", err)
	}
}

func TestAutoEmergencyForCriticalRules(t *testing.T) {
	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, func(o *Options) {
		o.AutoEmergency = true
	})
	b := newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)

	mustCreate(t, a.store, setRule("normal", "x", rule.PriorityNormal))
	mustCreate(t, a.store, setRule("freeze", "frozen", rule.PriorityCritical))

	waitFor(t, "critical rule on b", func() bool {
		_, ok := b.store.Raw("freeze")
		return ok
	})
	if _, ok := b.store.Raw("normal"); ok {
		t.Error("normal rule bypassed the routine cadence")
	}
}

func TestStopDisconnectsPeers(t *testing.T) {
	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, nil)
	newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)

	if err := a.coord.SyncPeer(context.Background(), "b"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	a.coord.Stop()
	if st, _ := a.coord.PeerStatus("b"); st.State != StateDisconnected {
		t.Errorf("state after Stop = %s", st.State)
	}
	if err := a.coord.SyncPeer(context.Background(), "b"); !errors.Is(err, ErrStopped) {
		t.Errorf("SyncPeer after Stop = %v", err)
	}
	if err := a.coord.SyncPeer(context.Background(), "nobody"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("SyncPeer of unknown peer = %v", err)
	}
}

func TestHTTPTransport(t *testing.T) {
	b := newTestNode(t, nil, newTestStore(t, "b", baseTime), nil, nil)
	srv := httptest.NewServer(HTTPHandler(b.coord))
	t.Cleanup(srv.Close)

	st := newTestStore(t, "a", baseTime)
	a := newTestNode(t, nil, st, nil, func(o *Options) {
		o.Transport = NewHTTPTransport(nil, 5*time.Second)
		o.Peers = []PeerConfig{{Name: "b", Address: srv.URL}}
		o.Compression = true
	})

	mustCreate(t, a.store, setRule("r1", strings.Repeat("long value ", 100), rule.PriorityNormal))
	mustCreate(t, b.store, setRule("r2", "y", rule.PriorityNormal))
	if err := a.coord.SyncPeer(context.Background(), "b"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	sameRow(t, "r1", a.store, b.store)
	sameRow(t, "r2", a.store, b.store)

	if _, ok := b.coord.PeerStatus("a"); !ok {
		t.Error("inbound peer not registered on b")
	}
}

func TestBadgerJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenBadgerJournal(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("OpenBadgerJournal failed: %v", err)
	}
	states := []SyncState{
		{Peer: "b", RuleID: "r2", Version: 2, Vector: rule.VersionVector{"b": 2}, Outcome: store.OutcomeApplied},
		{Peer: "b", RuleID: "r1", Version: 1, Pending: 1},
		{Peer: "c", RuleID: "r1", Version: 4},
	}
	for _, st := range states {
		if err := j.Put(st); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	j, err = OpenBadgerJournal(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	got, ok, err := j.Get("b", "r2")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Version != 2 || got.Vector["b"] != 2 || got.Outcome != store.OutcomeApplied {
		t.Errorf("Get = %+v", got)
	}
	if _, ok, _ := j.Get("b", "missing"); ok {
		t.Error("Get of missing state reported found")
	}

	list, err := j.List("b")
	if err != nil || len(list) != 2 || list[0].RuleID != "r1" || list[1].RuleID != "r2" {
		t.Fatalf("List(b) = %+v, %v", list, err)
	}
	all, _ := j.List("")
	if len(all) != 3 {
		t.Errorf("List() returned %d states", len(all))
	}
}

func TestCoordinatorWithBadgerJournal(t *testing.T) {
	j, err := OpenBadgerJournal(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadgerJournal failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	net := NewNetwork()
	a := newTestNode(t, net, newTestStore(t, "a", baseTime), []string{"b"}, func(o *Options) { o.Journal = j })
	b := newTestNode(t, net, newTestStore(t, "b", baseTime), []string{"a"}, nil)
	mustCreate(t, b.store, setRule("r1", "x", rule.PriorityNormal))

	if err := a.coord.SyncPeer(context.Background(), "b"); err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	st, ok, err := j.Get("b", "r1")
	if err != nil || !ok {
		t.Fatalf("journal entry missing: %v", err)
	}
	if st.Outcome != store.OutcomeApplied || st.Pending != 0 || st.Version != 1 {
		t.Errorf("sync state = %+v", st)
	}
}

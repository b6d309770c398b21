package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// job is one unit of outbound work for a peer's worker.
type job struct {
	run  func(context.Context) error
	done chan error
}

// batch is a set of rows received from a peer, waiting to be applied.
type batch struct {
	rules     []*rule.Rule
	emergency bool
	done      chan []PushResult
}

type peer struct {
	name    string
	address string

	// urgent is the priority lane for emergency pushes. requests carries
	// routine and forced cycles.
	urgent   chan *job
	requests chan *job
	inbound  chan *batch

	// pending counts received rows not yet applied plus queued emergency
	// pushes.
	pending atomic.Int64

	// jmu serializes journal read-modify-write for this peer.
	jmu sync.Mutex

	mu       sync.Mutex
	state    PeerState
	lastSync time.Time
	failures int
	lastErr  string
	session  string
}

func newPeer(name, address string, queueSize int) *peer {
	return &peer{
		name:     name,
		address:  address,
		urgent:   make(chan *job, queueSize),
		requests: make(chan *job),
		inbound:  make(chan *batch, queueSize),
	}
}

func (p *peer) status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerStatus{
		Peer:         p.name,
		Address:      p.address,
		State:        p.state,
		LastSyncAt:   p.lastSync,
		PendingCount: int(p.pending.Load()),
		Failures:     p.failures,
		LastError:    p.lastErr,
		Session:      p.session,
	}
}

func (p *peer) currentSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// setState moves p to state when the state machine allows it.
func (c *Coordinator) setState(p *peer, state PeerState) {
	p.mu.Lock()
	from := p.state
	if from == state {
		p.mu.Unlock()
		return
	}
	if !from.CanTransition(state) {
		p.mu.Unlock()
		c.logger.Warn("ignored invalid peer transition", "peer", p.name, "from", from, "to", state)
		return
	}
	p.state = state
	p.mu.Unlock()

	c.logger.Info("peer state changed", "peer", p.name, "from", from, "to", state)
	if c.observer != nil {
		c.observer.ObservePeerState(p.name, state)
	}
}

// fail records a failed operation and degrades the peer.
func (c *Coordinator) fail(p *peer, err error) {
	p.mu.Lock()
	p.failures++
	p.lastErr = err.Error()
	failures := p.failures
	p.mu.Unlock()
	c.logger.Warn("peer sync failed", "peer", p.name, "failures", failures, "error", err)
	c.setState(p, StateDegraded)
}

func (c *Coordinator) succeeded(p *peer) {
	p.mu.Lock()
	p.failures = 0
	p.lastErr = ""
	p.lastSync = c.now()
	p.mu.Unlock()
}

// runOutbound executes a peer's outbound jobs one at a time, draining the
// emergency lane before any routine job.
func (c *Coordinator) runOutbound(ctx context.Context, p *peer) {
	for {
		select {
		case j := <-p.urgent:
			j.done <- j.run(ctx)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case j := <-p.urgent:
			j.done <- j.run(ctx)
		case j := <-p.requests:
			j.done <- j.run(ctx)
		}
	}
}

// runInbound applies received batches in arrival order. It never touches
// the network, so a peer pushing to us cannot stall behind our own
// outbound work.
func (c *Coordinator) runInbound(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-p.inbound:
			b.done <- c.applyBatch(ctx, p, b)
		}
	}
}

// enqueue queues rows from p for the inbound worker and waits for their
// results. With wait unset a full queue fails at once with
// BackpressureError; otherwise enqueue blocks until there is room.
func (c *Coordinator) enqueue(ctx context.Context, p *peer, rows []*rule.Rule, emergency, wait bool) ([]PushResult, error) {
	c.mu.RLock()
	running, done := c.running, c.done
	c.mu.RUnlock()
	if !running {
		return nil, ErrStopped
	}
	b := &batch{rules: rows, emergency: emergency, done: make(chan []PushResult, 1)}
	var err error
	p.pending.Add(int64(len(rows)))
	c.journalPending(p, rows, 1)
	if wait {
		select {
		case p.inbound <- b:
		case <-ctx.Done():
			err = ctx.Err()
		case <-done:
			err = ErrStopped
		}
	} else {
		select {
		case p.inbound <- b:
		default:
			c.logger.Warn("inbound queue full", "peer", p.name, "rows", len(rows))
			err = &BackpressureError{Peer: p.name}
		}
	}
	if err != nil {
		p.pending.Add(-int64(len(rows)))
		c.journalPending(p, rows, -1)
		return nil, err
	}

	select {
	case res := <-b.done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrStopped
	}
}

func (c *Coordinator) applyBatch(ctx context.Context, p *peer, b *batch) []PushResult {
	results := make([]PushResult, 0, len(b.rules))
	for _, r := range b.rules {
		res, err := c.store.Apply(ctx, r, c.picker.Func())
		p.pending.Add(-1)
		pr := PushResult{ID: r.ID, Outcome: res.Outcome, Reason: res.Reason}
		if err != nil {
			pr.Outcome = store.OutcomeRejected
			pr.Reason = err.Error()
			c.logger.Error("failed to apply remote rule", "peer", p.name, "rule_id", r.ID, "error", err)
		}
		if pr.Outcome == store.OutcomeConflict {
			c.recordConflict(p.name, res)
		}
		if c.observer != nil {
			c.observer.ObserveApply(p.name, pr.Outcome)
		}
		c.journalApplied(p, r, pr.Outcome)
		results = append(results, pr)
	}
	if b.emergency {
		c.logger.Info("emergency push applied", "peer", p.name, "rules", len(b.rules))
	}
	return results
}

func (c *Coordinator) recordConflict(peerName string, res store.ApplyResult) {
	_, strategy := c.picker.Pick(res.Winner, res.Loser)
	rec, _ := c.conflicts.Add(conflict.Record{
		Kind:     conflict.KindSync,
		RuleIDs:  []string{res.Rule.ID},
		Strategy: strategy,
		Winner:   res.Winner.Origin,
		Peer:     peerName,
		Versions: []uint64{res.Winner.Version, res.Loser.Version},
	})
	c.logger.Info("concurrent edit resolved",
		"rule_id", res.Rule.ID,
		"peer", peerName,
		"strategy", strategy,
		"winner", res.Winner.Origin,
		"loser", res.Loser.Origin,
		"conflict_id", rec.ID,
	)
	if c.onConflict != nil {
		c.onConflict(rec)
	}
}

func (c *Coordinator) journalPending(p *peer, rows []*rule.Rule, delta int) {
	p.jmu.Lock()
	defer p.jmu.Unlock()
	for _, r := range rows {
		st := c.journalState(p.name, r.ID)
		st.Pending = max(st.Pending+delta, 0)
		c.journalPut(st)
	}
}

func (c *Coordinator) journalApplied(p *peer, r *rule.Rule, outcome store.Outcome) {
	p.jmu.Lock()
	defer p.jmu.Unlock()
	st := c.journalState(p.name, r.ID)
	st.Version = r.Version
	st.Timestamp = r.Timestamp
	st.Vector = r.Vector.Clone()
	st.Outcome = outcome
	if st.Pending > 0 {
		st.Pending--
	}
	c.journalPut(st)
}

// journalDigest records what a peer advertised.
func (c *Coordinator) journalDigest(p *peer, entries []store.Meta) {
	p.jmu.Lock()
	defer p.jmu.Unlock()
	for _, m := range entries {
		st := c.journalState(p.name, m.ID)
		if st.Vector.Compare(m.Vector) == rule.Equal && st.Version == m.Version {
			continue
		}
		st.Version = m.Version
		st.Timestamp = m.Timestamp
		st.Vector = m.Vector.Clone()
		c.journalPut(st)
	}
}

func (c *Coordinator) journalState(peerName, id string) SyncState {
	st, ok, err := c.journal.Get(peerName, id)
	if err != nil {
		c.logger.Warn("failed to read sync state", "peer", peerName, "rule_id", id, "error", err)
	}
	if !ok {
		st = SyncState{Peer: peerName, RuleID: id}
	}
	return st
}

func (c *Coordinator) journalPut(st SyncState) {
	st.UpdatedAt = c.now()
	if err := c.journal.Put(st); err != nil {
		c.logger.Warn("failed to write sync state", "peer", st.Peer, "rule_id", st.RuleID, "error", err)
	}
}

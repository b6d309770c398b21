package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// cycle runs one sync cycle with p: handshake when needed, digest
// exchange, fetch of rows the peer has newer or concurrent versions of,
// then push of rows where ours dominate. Any failed step degrades the peer.
func (c *Coordinator) cycle(ctx context.Context, p *peer, force bool) error {
	if !force && p.status().State == StateDegraded {
		return fmt.Errorf("%w: %s", ErrPeerDegraded, p.name)
	}
	ctx, span := c.tracer.Start(ctx, "replication.Sync",
		trace.WithAttributes(
			attribute.String("concord.peer", p.name),
			attribute.Bool("concord.forced", force),
		))
	defer span.End()

	start := time.Now()
	fetched, pushed, err := c.runCycle(ctx, p, force)
	if c.observer != nil {
		c.observer.ObserveSyncCycle(p.name, time.Since(start), err)
	}
	span.SetAttributes(attribute.Int("concord.fetched", fetched), attribute.Int("concord.pushed", pushed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.fail(p, err)
		return err
	}
	c.logger.Info("sync cycle completed",
		"peer", p.name,
		"fetched", fetched,
		"pushed", pushed,
		"duration", time.Since(start),
	)
	return nil
}

func (c *Coordinator) runCycle(ctx context.Context, p *peer, force bool) (fetched, pushed int, err error) {
	if force || p.status().State != StateSynced {
		if err := c.handshake(ctx, p); err != nil {
			return 0, 0, err
		}
	}
	c.setState(p, StateSyncing)

	var remote Digest
	err = c.exchange(ctx, p, "digest", c.transferTimeout,
		KindDigest, Digest{Entries: c.store.Digest()}, KindDigestReply, &remote)
	if err != nil {
		return 0, 0, err
	}
	c.journalDigest(p, remote.Entries)

	fetch, push := plan(c.store.Digest(), remote.Entries)
	if len(fetch) > 0 {
		var reply Rules
		err = c.exchange(ctx, p, "fetch", c.transferTimeout, KindFetch, Fetch{IDs: fetch}, KindFetchReply, &reply)
		if err != nil {
			return 0, 0, err
		}
		results, err := c.enqueue(ctx, p, reply.Rules, false, true)
		if err != nil {
			return 0, 0, err
		}
		fetched = len(reply.Rules)
		for _, r := range results {
			// A merged conflict dominates both sides and goes back to the peer.
			if r.Outcome == store.OutcomeConflict {
				push = append(push, r.ID)
			}
		}
	}

	if len(push) > 0 {
		slices.Sort(push)
		rows := c.rows(slices.Compact(push))
		if _, err := c.push(ctx, p, rows, false); err != nil {
			return fetched, 0, err
		}
		pushed = len(rows)
	}

	c.succeeded(p)
	c.setState(p, StateSynced)
	return fetched, pushed, nil
}

// plan compares local and remote digests. fetch lists ids the peer holds
// a newer or concurrent version of; push lists ids whose local version
// dominates or that the peer lacks.
func plan(local, remote []store.Meta) (fetch, push []string) {
	mine := make(map[string]store.Meta, len(local))
	for _, m := range local {
		mine[m.ID] = m
	}
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		seen[r.ID] = true
		l, ok := mine[r.ID]
		if !ok {
			fetch = append(fetch, r.ID)
			continue
		}
		switch l.Vector.Compare(r.Vector) {
		case rule.Before, rule.Concurrent:
			fetch = append(fetch, r.ID)
		case rule.After:
			push = append(push, r.ID)
		}
	}
	for _, l := range local {
		if !seen[l.ID] {
			push = append(push, l.ID)
		}
	}
	slices.Sort(fetch)
	slices.Sort(push)
	return fetch, push
}

func (c *Coordinator) rows(ids []string) []*rule.Rule {
	out := make([]*rule.Rule, 0, len(ids))
	for _, id := range ids {
		if r, ok := c.store.Raw(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// handshake opens a new session with p.
func (c *Coordinator) handshake(ctx context.Context, p *peer) error {
	c.setState(p, StateHandshaking)
	session := uuid.NewString()
	var ack HelloAck
	err := c.exchange(ctx, p, "handshake", c.handshakeTimeout,
		KindHello, Hello{Node: c.node, Session: session, Protocol: ProtocolVersion}, KindHelloAck, &ack)
	if err != nil {
		return err
	}
	if ack.Session != session {
		return fmt.Errorf("peer %q acknowledged session %q, expected %q", p.name, ack.Session, session)
	}
	if ack.Node != p.name {
		c.logger.Warn("peer answered with a different node id", "peer", p.name, "node", ack.Node)
	}
	p.mu.Lock()
	p.session = session
	p.mu.Unlock()
	c.logger.Debug("handshake completed", "peer", p.name, "session", session)
	return nil
}

// push sends rows and returns the peer's per-row results.
func (c *Coordinator) push(ctx context.Context, p *peer, rows []*rule.Rule, emergency bool) ([]PushResult, error) {
	var ack PushAck
	err := c.exchange(ctx, p, "push", c.transferTimeout,
		KindPush, Rules{Rules: rows, Emergency: emergency}, KindPushAck, &ack)
	if err != nil {
		return nil, err
	}
	return ack.Results, nil
}

// exchange sends one request to p, retrying with exponential backoff up
// to maxAttempts. Each attempt gets its own timeout.
func (c *Coordinator) exchange(ctx context.Context, p *peer, op string, timeout time.Duration, kind Kind, body any, want Kind, reply any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = c.backoffMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, p, op, timeout, kind, body, want, reply)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying sync step", "peer", p.name, "op", op, "error", err, "backoff", next)
		}),
	)
	return err
}

func (c *Coordinator) roundTrip(ctx context.Context, p *peer, op string, timeout time.Duration, kind Kind, body any, want Kind, reply any) error {
	req, err := c.codec.Encode(Envelope{
		Kind:    kind,
		From:    c.node,
		Session: p.currentSession(),
		Clock:   c.store.Clock().Current(),
	}, body)
	if err != nil {
		return backoff.Permanent(err)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := c.transport.RoundTrip(tctx, p.address, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &SyncTimeoutError{Peer: p.name, Op: op}
		}
		return err
	}

	env, err := c.codec.Decode(data)
	if err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			return &ChecksumMismatchError{Peer: p.name}
		}
		return err
	}
	c.store.Clock().Observe(env.Clock)

	switch env.Kind {
	case want:
		if err := c.codec.Body(env, reply); err != nil {
			return &ChecksumMismatchError{Peer: p.name}
		}
		return nil
	case KindBusy:
		return &BackpressureError{Peer: p.name}
	case KindError:
		var er ErrorReply
		if err := c.codec.Body(env, &er); err != nil {
			return &ChecksumMismatchError{Peer: p.name}
		}
		if er.Checksum {
			return &ChecksumMismatchError{Peer: p.name}
		}
		return &RemoteError{Peer: p.name, Message: er.Message}
	default:
		return fmt.Errorf("peer %q answered %s with %s", p.name, kind, env.Kind)
	}
}

// PushReport is the outcome of an emergency push to one peer.
type PushReport struct {
	Peer    string        `json:"peer"`
	Acked   bool          `json:"acked"`
	Outcome store.Outcome `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// EmergencyPush sends the current row of ruleID to every reachable peer
// at once, ahead of any routine work. Unacknowledged pushes are retried
// with backoff; a peer that never acknowledges is marked degraded.
// Degraded and disconnected peers are skipped.
func (c *Coordinator) EmergencyPush(ctx context.Context, ruleID string) ([]PushReport, error) {
	r, ok := c.store.Raw(ruleID)
	if !ok {
		return nil, &rule.NotFoundError{ID: ruleID}
	}

	var targets []*peer
	for _, p := range c.outbound() {
		switch p.status().State {
		case StateDegraded, StateDisconnected:
			continue
		}
		targets = append(targets, p)
	}

	ctx, span := c.tracer.Start(ctx, "replication.EmergencyPush",
		trace.WithAttributes(attribute.String("concord.rule_id", ruleID), attribute.Int("concord.peers", len(targets))))
	defer span.End()

	reports := make([]PushReport, len(targets))
	var g errgroup.Group
	for i, p := range targets {
		g.Go(func() error {
			reports[i] = c.emergencyTo(ctx, p, r)
			return nil
		})
	}
	_ = g.Wait()

	acked := 0
	for _, rep := range reports {
		if rep.Acked {
			acked++
		}
	}
	c.logger.Info("emergency push completed",
		"rule_id", ruleID,
		"version", r.Version,
		"peers", len(reports),
		"acked", acked,
	)
	if c.onEmergency != nil {
		c.onEmergency(ruleID, reports)
	}
	return reports, nil
}

func (c *Coordinator) emergencyTo(ctx context.Context, p *peer, r *rule.Rule) PushReport {
	rep := PushReport{Peer: p.name}
	p.pending.Add(1)
	var results []PushResult
	err := c.submit(ctx, p.urgent, func(ctx context.Context) error {
		res, err := c.push(ctx, p, []*rule.Rule{r}, true)
		if err != nil {
			c.fail(p, err)
			return err
		}
		results = res
		return nil
	})
	p.pending.Add(-1)

	if c.observer != nil {
		c.observer.ObserveEmergencyPush(p.name, err == nil)
	}
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Acked = true
	if len(results) > 0 {
		rep.Outcome = results[0].Outcome
	}
	return rep
}

package concord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/engine"
	"mercator-hq/concord/pkg/notify"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/store"
)

func (c *Concord) onChange(ev store.ChangeEvent) {
	if c.recorder != nil {
		if err := c.recorder.RecordChange(ev); err != nil {
			c.logger.Warn("failed to audit rule change", "rule_id", ev.ID, "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordChange(ev)
		c.metrics.SetRuleCount(len(c.store.IDs()))
	}
}

// conflictRecorded runs for every concurrent edit the coordinator settles.
func (c *Concord) conflictRecorded(rec *conflict.Record) {
	c.auditConflict(rec)
	if c.metrics != nil {
		c.metrics.RecordConflict(rec)
	}
	versions := make([]string, len(rec.Versions))
	for i, v := range rec.Versions {
		versions[i] = strconv.FormatUint(v, 10)
	}
	c.announce(notify.Event{
		Kind:     notify.KindSyncConflict,
		Severity: notify.SeverityInfo,
		Message:  fmt.Sprintf("concurrent edit of %s settled in favor of %s", strings.Join(rec.RuleIDs, ","), rec.Winner),
		RuleIDs:  rec.RuleIDs,
		Peer:     rec.Peer,
		Attributes: map[string]string{
			"conflict_id": rec.ID,
			"winner":      rec.Winner,
			"versions":    strings.Join(versions, ","),
		},
	})
}

func (c *Concord) emergencyPushed(ruleID string, reports []replication.PushReport) {
	var version uint64
	if r, ok := c.store.Raw(ruleID); ok {
		version = r.Version
	}
	var acked, failed []string
	for _, rep := range reports {
		if rep.Acked {
			acked = append(acked, rep.Peer)
		} else {
			failed = append(failed, rep.Peer)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.RecordEmergency(ruleID, version, len(reports), len(acked)); err != nil {
			c.logger.Warn("failed to audit emergency push", "rule_id", ruleID, "error", err)
		}
	}
	sev := notify.SeverityWarning
	if len(failed) > 0 {
		sev = notify.SeverityCritical
	}
	c.announce(notify.Event{
		Kind:     notify.KindEmergencyPush,
		Severity: sev,
		Message:  fmt.Sprintf("emergency push of %s acknowledged by %d of %d peers", ruleID, len(acked), len(reports)),
		RuleIDs:  []string{ruleID},
		Attributes: map[string]string{
			"version": strconv.FormatUint(version, 10),
			"acked":   strings.Join(acked, ","),
			"failed":  strings.Join(failed, ","),
		},
	})
}

func (c *Concord) auditConflict(rec *conflict.Record) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordConflict(rec); err != nil {
		c.logger.Warn("failed to audit conflict", "conflict_id", rec.ID, "error", err)
	}
}

// announce delivers ev in the background. Close waits for deliveries in
// flight.
func (c *Concord) announce(ev notify.Event) {
	if c.notifier == nil {
		return
	}
	ev.Node = c.node
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.logger.Warn("failed to deliver notification", "kind", ev.Kind, "error", err)
		}
	}()
}

// observer fans engine and coordinator samples out to metrics and turns
// peer degradation into a notification.
type observer struct {
	c *Concord
}

var (
	_ engine.Observer      = (*observer)(nil)
	_ replication.Observer = (*observer)(nil)
)

func (o *observer) ObserveEvaluation(duration time.Duration, cacheHit bool, d *engine.Decision) {
	if o.c.metrics != nil {
		o.c.metrics.ObserveEvaluation(duration, cacheHit, d)
	}
}

func (o *observer) ObservePeerState(peer string, state replication.PeerState) {
	if o.c.metrics != nil {
		o.c.metrics.ObservePeerState(peer, state)
	}
	if state != replication.StateDegraded {
		return
	}
	ev := notify.Event{
		Kind:     notify.KindPeerDegraded,
		Severity: notify.SeverityWarning,
		Message:  fmt.Sprintf("peer %s is degraded", peer),
		Peer:     peer,
	}
	if st, ok := o.c.coordinator.PeerStatus(peer); ok && st.LastError != "" {
		ev.Attributes = map[string]string{
			"failures":   strconv.Itoa(st.Failures),
			"last_error": st.LastError,
		}
	}
	o.c.announce(ev)
}

func (o *observer) ObserveSyncCycle(peer string, duration time.Duration, err error) {
	if o.c.metrics != nil {
		o.c.metrics.ObserveSyncCycle(peer, duration, err)
	}
}

func (o *observer) ObserveApply(peer string, outcome store.Outcome) {
	if o.c.metrics != nil {
		o.c.metrics.ObserveApply(peer, outcome)
	}
}

func (o *observer) ObserveEmergencyPush(peer string, acked bool) {
	if o.c.metrics != nil {
		o.c.metrics.ObserveEmergencyPush(peer, acked)
	}
}

package concord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mercator-hq/concord/pkg/audit"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/telemetry/health"
)

// Status is a point-in-time summary of the node.
type Status struct {
	Node  string `json:"node"`
	Rules int    `json:"rules"`

	// IndexSeq is the store sequence the current index snapshot reflects.
	IndexSeq     uint64    `json:"index_seq"`
	IndexBuiltAt time.Time `json:"index_built_at"`

	Cache index.CacheStats         `json:"cache"`
	Peers []replication.PeerStatus `json:"peers"`

	Conflicts          int `json:"conflicts"`
	EscalatedConflicts int `json:"escalated_conflicts"`
}

// Status summarizes rules, index, cache, peers and conflicts.
func (c *Concord) Status() Status {
	snap := c.index.Snapshot()
	return Status{
		Node:               c.node,
		Rules:              len(c.store.IDs()),
		IndexSeq:           snap.Seq(),
		IndexBuiltAt:       snap.BuiltAt(),
		Cache:              c.engine.CacheStats(),
		Peers:              c.coordinator.Status(),
		Conflicts:          c.conflicts.Len(),
		EscalatedConflicts: len(c.conflicts.List(conflict.Filter{EscalatedOnly: true})),
	}
}

// SyncStatus reports the sync state of every known peer.
func (c *Concord) SyncStatus() []replication.PeerStatus {
	return c.coordinator.Status()
}

// ForceSync runs a full sync cycle against peer, or against every peer
// when peer is "" or "all". Degraded peers are retried.
func (c *Concord) ForceSync(ctx context.Context, peer string) error {
	if peer == "all" {
		peer = ""
	}
	return c.coordinator.ForceSync(ctx, peer)
}

// EmergencyPush sends the current row of ruleID to every reachable peer
// ahead of routine sync.
func (c *Concord) EmergencyPush(ctx context.Context, ruleID string) ([]replication.PushReport, error) {
	return c.coordinator.EmergencyPush(ctx, ruleID)
}

// RegisterHealthChecks adds the node's readiness checks to checker.
func (c *Concord) RegisterHealthChecks(checker *health.Checker) {
	checker.RegisterCheck("store", func(ctx context.Context) error {
		_, err := c.store.History(ctx, "health-check")
		var nf *rule.NotFoundError
		if err != nil && !errors.As(err, &nf) {
			return err
		}
		return nil
	})
	checker.RegisterCheck("index", func(ctx context.Context) error {
		if c.index.Snapshot() == nil {
			return errors.New("no index snapshot")
		}
		return nil
	})
	checker.RegisterCheck("replication", func(ctx context.Context) error {
		peers := c.coordinator.Status()
		if len(peers) == 0 {
			return nil
		}
		var degraded []string
		for _, p := range peers {
			if p.State == replication.StateDegraded {
				degraded = append(degraded, p.Peer)
			}
		}
		if len(degraded) == len(peers) {
			return fmt.Errorf("all peers degraded: %s", strings.Join(degraded, ", "))
		}
		return nil
	})
	if c.recorder != nil {
		checker.RegisterCheck("audit", func(ctx context.Context) error {
			_, err := c.recorder.Sink().Count(ctx, audit.Query{Limit: 1})
			return err
		})
	}
}

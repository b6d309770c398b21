package audit

import (
	"context"
	"time"
)

// Kind classifies an audit record.
type Kind string

const (
	KindRuleCreated    Kind = "rule_created"
	KindRuleUpdated    Kind = "rule_updated"
	KindRuleDeleted    Kind = "rule_deleted"
	KindConflict       Kind = "conflict"
	KindConflictSettle Kind = "conflict_settled"
	KindEmergencyPush  Kind = "emergency_push"
)

// Record is one append-only audit entry.
type Record struct {
	// ID is a unique identifier (UUID) assigned by the recorder.
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// RuleID is the primary rule involved. Conflicts list every rule in
	// RuleIDs and repeat the first one here.
	RuleID  string   `json:"rule_id,omitempty"`
	RuleIDs []string `json:"rule_ids,omitempty"`

	Version uint64 `json:"version,omitempty"`

	// Timestamp is the Lamport time of the underlying event, which gives
	// the global audit order across nodes.
	Timestamp uint64 `json:"timestamp,omitempty"`

	// Node is the node that produced the record; Origin is the node where
	// the audited change was made.
	Node   string `json:"node"`
	Origin string `json:"origin,omitempty"`
	Peer   string `json:"peer,omitempty"`

	// Remote marks changes received through replication.
	Remote bool `json:"remote,omitempty"`

	// Detail carries kind-specific attributes such as the conflict
	// strategy or the number of acknowledging peers.
	Detail map[string]string `json:"detail,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// Query filters records. Zero fields match everything.
type Query struct {
	Kind   Kind
	RuleID string
	Node   string
	Since  time.Time
	Until  time.Time

	// Limit caps the number of records returned. Default: 100
	Limit  int
	Offset int

	// Descending returns newest records first.
	Descending bool
}

// DefaultLimit is the page size used when Query.Limit is zero.
const DefaultLimit = 100

// Sink persists audit records. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Append stores a record. Records are never modified afterwards.
	Append(ctx context.Context, rec *Record) error

	// Query returns records matching q ordered by RecordedAt then
	// Timestamp.
	Query(ctx context.Context, q Query) ([]*Record, error)

	// Count returns the number of records matching q, ignoring paging.
	Count(ctx context.Context, q Query) (int64, error)

	// Prune removes records recorded before cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) matches(r *Record) bool {
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.RuleID != "" && r.RuleID != q.RuleID && !contains(r.RuleIDs, q.RuleID) {
		return false
	}
	if q.Node != "" && r.Node != q.Node {
		return false
	}
	if !q.Since.IsZero() && r.RecordedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.RecordedAt.After(q.Until) {
		return false
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

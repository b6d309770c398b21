package conflict

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/concord/pkg/rule"
)

// Kind says where a conflict was detected.
type Kind string

const (
	// KindEvaluation is a disagreement between matching rules.
	KindEvaluation Kind = "evaluation"

	// KindSync is a concurrent edit of one rule on two nodes.
	KindSync Kind = "sync"
)

// Record is the audit trail of one detected conflict.
type Record struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// RuleIDs lists the rules involved, sorted.
	RuleIDs []string `json:"rule_ids"`

	// Target is the contested action target. Empty for sync conflicts.
	Target string `json:"target,omitempty"`

	// Context is the evaluation context that exposed the conflict.
	Context rule.Context `json:"context,omitempty"`

	// ContextHash identifies Context compactly for deduplication.
	ContextHash string `json:"context_hash,omitempty"`

	// Candidates holds the competing actions, one per rule, for
	// evaluation conflicts.
	Candidates []CandidateAction `json:"candidates,omitempty"`

	Strategy rule.Strategy `json:"strategy"`

	// Winner is the rule id (evaluation) or origin node (sync) that won.
	// Empty when unresolved.
	Winner string `json:"winner,omitempty"`

	// Escalated marks conflicts awaiting manual resolution.
	Escalated bool `json:"escalated"`

	// Peer is the remote node for sync conflicts.
	Peer string `json:"peer,omitempty"`

	// Versions are the competing rule versions for sync conflicts,
	// winner first.
	Versions []uint64 `json:"versions,omitempty"`

	DetectedAt time.Time `json:"detected_at"`

	// ResolvedBy is set once an operator settles an escalated conflict.
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// CandidateAction is one rule's action in a recorded conflict.
type CandidateAction struct {
	RuleID string      `json:"rule_id"`
	Action rule.Action `json:"action"`
}

func (r *Record) dedupKey() string {
	if r.Kind != KindEvaluation {
		return ""
	}
	return r.Target + "|" + strings.Join(r.RuleIDs, ",") + "|" + r.ContextHash
}

// DefaultLogLimit bounds a Log created without an explicit limit.
const DefaultLogLimit = 10000

func (r *Record) clone() *Record {
	c := *r
	c.RuleIDs = slices.Clone(r.RuleIDs)
	c.Candidates = slices.Clone(r.Candidates)
	c.Versions = slices.Clone(r.Versions)
	c.Context = maps.Clone(r.Context)
	return &c
}

// Filter narrows Log.List. Zero fields match everything.
type Filter struct {
	Kind          Kind
	RuleID        string
	EscalatedOnly bool
	Since         time.Time
}

// Log retains conflict records in detection order, up to a limit. Past the
// limit the oldest record that is not awaiting resolution is dropped, or
// the oldest record when all of them are. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
	seen    map[string]*Record
	limit   int
	now     func() time.Time
}

// NewLog creates an empty log holding at most limit records. A limit of
// zero or less means DefaultLogLimit. now may be nil.
func NewLog(now func() time.Time, limit int) *Log {
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &Log{
		byID:  make(map[string]*Record),
		seen:  make(map[string]*Record),
		limit: limit,
		now:   now,
	}
}

// Add stores rec and returns the stored copy. Evaluation conflicts already
// recorded for the same target, rules and context are not stored twice;
// Add then returns the existing record and false.
func (l *Log) Add(rec Record) (*Record, bool) {
	rec.RuleIDs = slices.Sorted(slices.Values(rec.RuleIDs))
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := rec.dedupKey()
	if existing, ok := l.seen[key]; ok && key != "" {
		return existing.clone(), false
	}
	stored := rec.clone()
	if key != "" {
		l.seen[key] = stored
	}
	l.records = append(l.records, stored)
	l.byID[stored.ID] = stored
	for len(l.records) > l.limit {
		l.evict()
	}
	return stored.clone(), true
}

func (l *Log) evict() {
	i := slices.IndexFunc(l.records, func(r *Record) bool { return !r.Escalated })
	if i < 0 {
		i = 0
	}
	r := l.records[i]
	l.records = slices.Delete(l.records, i, i+1)
	delete(l.byID, r.ID)
	if key := r.dedupKey(); key != "" && l.seen[key] == r {
		delete(l.seen, key)
	}
}

// Get returns a record by id.
func (l *Log) Get(id string) (*Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// List returns matching records in detection order.
func (l *Log) List(f Filter) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Record
	for _, r := range l.records {
		switch {
		case f.Kind != "" && r.Kind != f.Kind:
			continue
		case f.RuleID != "" && !slices.Contains(r.RuleIDs, f.RuleID):
			continue
		case f.EscalatedOnly && !r.Escalated:
			continue
		case !f.Since.IsZero() && r.DetectedAt.Before(f.Since):
			continue
		}
		out = append(out, r.clone())
	}
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Settle marks an escalated record as manually resolved in favor of
// winner. It returns false when the id is unknown or the record was not
// escalated.
func (l *Log) Settle(id, winner, operator string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[id]
	if !ok || !r.Escalated {
		return false
	}
	r.Winner = winner
	r.Escalated = false
	r.ResolvedBy = operator
	return true
}

package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"mercator-hq/concord/pkg/rule"
)

// HistoryReason explains why a version was superseded.
type HistoryReason string

const (
	// ReasonUpdated marks a version replaced by a local or remote edit.
	ReasonUpdated HistoryReason = "updated"

	// ReasonDeleted marks the last live version before a tombstone.
	ReasonDeleted HistoryReason = "deleted"

	// ReasonConflictLoser marks the losing side of a concurrent edit.
	ReasonConflictLoser HistoryReason = "conflict_loser"
)

// HistoryEntry is a superseded rule version.
type HistoryEntry struct {
	Rule       *rule.Rule    `json:"rule"`
	Reason     HistoryReason `json:"reason"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Backend persists rule rows and their history. Implementations must be
// safe for concurrent use; the Store never issues two writes for the same
// id at once.
type Backend interface {
	// LoadAll returns every stored row, tombstones included.
	LoadAll(ctx context.Context) ([]*rule.Rule, error)

	// Save upserts the current row for r.ID.
	Save(ctx context.Context, r *rule.Rule) error

	// AppendHistory records a superseded version and trims the id's history
	// to the newest keep entries when keep > 0.
	AppendHistory(ctx context.Context, entry HistoryEntry, keep int) error

	// History returns superseded versions for id, oldest first.
	History(ctx context.Context, id string) ([]HistoryEntry, error)

	// Close releases backend resources.
	Close() error
}

// MemoryBackend keeps rows in process. It is the default for tests and
// for nodes that reload their rule set from files or peers on start.
type MemoryBackend struct {
	mu      sync.RWMutex
	rows    map[string]*rule.Rule
	history map[string][]HistoryEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		rows:    make(map[string]*rule.Rule),
		history: make(map[string][]HistoryEntry),
	}
}

// LoadAll implements Backend.
func (m *MemoryBackend) LoadAll(ctx context.Context) ([]*rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*rule.Rule, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *rule.Rule) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(ctx context.Context, r *rule.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = r.Clone()
	return nil
}

// AppendHistory implements Backend.
func (m *MemoryBackend) AppendHistory(ctx context.Context, entry HistoryEntry, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Rule = entry.Rule.Clone()
	h := append(m.history[entry.Rule.ID], entry)
	if keep > 0 && len(h) > keep {
		h = slices.Clone(h[len(h)-keep:])
	}
	m.history[entry.Rule.ID] = h
	return nil
}

// History implements Backend.
func (m *MemoryBackend) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[id]
	out := make([]HistoryEntry, len(h))
	for i, e := range h {
		e.Rule = e.Rule.Clone()
		out[i] = e
	}
	return out, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}

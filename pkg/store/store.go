package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"mercator-hq/concord/pkg/rule"
)

// ChangeKind classifies a ChangeEvent.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent announces a committed mutation.
type ChangeEvent struct {
	Kind ChangeKind

	// ID is the mutated rule.
	ID string

	// Rule is the new row. For deletions it is the tombstone.
	Rule *rule.Rule

	// Previous is the row that was replaced, nil when the id was new.
	Previous *rule.Rule

	// Affected lists ID and every override below it, parents first. These
	// are the ids whose effective definition may have changed.
	Affected []string

	// Remote is set when the mutation came from a peer.
	Remote bool

	// Timestamp is the local Lamport time assigned to the event.
	Timestamp uint64
}

// Subscriber receives change events. It is called synchronously while the
// mutated row is still locked, so events for one id arrive in commit order.
// Subscribers must not mutate the same id.
type Subscriber func(ChangeEvent)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Scope            *rule.ScopeRef
	Level            rule.Scope
	Type             rule.RuleType
	Tag              string
	Parent           string
	OverridesOnly    bool
	ExcludeOverrides bool
}

func (f Filter) match(r *rule.Rule) bool {
	switch {
	case f.Scope != nil && r.Scope != *f.Scope:
		return false
	case f.Level != "" && r.Scope.Level != f.Level:
		return false
	case f.Type != "" && r.Type != f.Type:
		return false
	case f.Tag != "" && !slices.Contains(r.Tags, f.Tag):
		return false
	case f.Parent != "" && r.Parent != f.Parent:
		return false
	case f.OverridesOnly && !r.IsOverride():
		return false
	case f.ExcludeOverrides && r.IsOverride():
		return false
	}
	return true
}

// Meta is the version metadata advertised during delta sync.
type Meta struct {
	ID        string             `json:"id"`
	Version   uint64             `json:"version"`
	Timestamp uint64             `json:"timestamp"`
	Vector    rule.VersionVector `json:"vector"`
	Deleted   bool               `json:"deleted,omitempty"`
}

// Options configures a Store.
type Options struct {
	// NodeID identifies this node in version vectors and origin fields.
	NodeID string

	// Backend persists rows. Default: a new MemoryBackend.
	Backend Backend

	// Clock stamps mutations. Default: a clock starting after the highest
	// timestamp found in the backend.
	Clock *rule.Clock

	// MaxHistory bounds superseded versions kept per rule. 0 keeps all.
	MaxHistory int

	// Now returns the wall-clock time used for created_at/updated_at.
	Now func() time.Time

	Logger *slog.Logger
}

// Store is the single writer of truth for rule rows.
type Store struct {
	nodeID     string
	backend    Backend
	clock      *rule.Clock
	maxHistory int
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	rows     map[string]*rule.Rule
	graph    *overrideGraph
	deleting map[string]struct{}

	locks *rowLocks

	subMu sync.RWMutex
	subs  []Subscriber
}

// New opens a store over the backend and loads existing rows.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.NodeID == "" {
		return nil, errors.New("store: node id is required")
	}
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		nodeID:     opts.NodeID,
		backend:    opts.Backend,
		maxHistory: opts.MaxHistory,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "store"),
		rows:       make(map[string]*rule.Rule),
		graph:      newOverrideGraph(),
		deleting:   make(map[string]struct{}),
		locks:      newRowLocks(),
	}

	rows, err := opts.Backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	var highest uint64
	for _, r := range rows {
		s.rows[r.ID] = r
		if !r.Deleted && r.IsOverride() {
			s.graph.set(r.ID, r.Parent)
		}
		highest = max(highest, r.Timestamp)
	}

	s.clock = opts.Clock
	if s.clock == nil {
		s.clock = rule.NewClock(highest)
	} else {
		s.clock.Observe(highest)
	}

	s.logger.Info("rule store opened", "node_id", s.nodeID, "rows", len(rows), "clock", s.clock.Current())
	return s, nil
}

// NodeID returns the local node id.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Clock returns the store's Lamport clock.
func (s *Store) Clock() *rule.Clock {
	return s.clock
}

// Subscribe registers fn for every future change event.
func (s *Store) Subscribe(fn Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) emit(ev ChangeEvent) {
	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *Store) row(id string) *rule.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[id]
}

// Create stores a new rule or override at version 1 (or one past a
// tombstone left by an earlier delete of the same id).
func (s *Store) Create(ctx context.Context, def *rule.Rule) (*rule.Rule, error) {
	r := def.Clone()
	r.Normalize()
	if err := rule.Validate(r); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(r.ID)
	defer unlock()

	prev := s.row(r.ID)
	if prev != nil && !prev.Deleted {
		return nil, &rule.AlreadyExistsError{ID: r.ID}
	}
	if err := s.checkParent(r); err != nil {
		return nil, err
	}

	r.Version = 1
	r.Vector = rule.VersionVector{}.Increment(s.nodeID)
	if prev != nil {
		r.Version = prev.Version + 1
		r.Vector = prev.Vector.Increment(s.nodeID)
	}
	r.Deleted = false
	s.stampEdit(r, prev)
	r.CreatedAt = r.UpdatedAt

	if err := s.commit(ctx, r, prev, "", true); err != nil {
		return nil, err
	}
	s.logger.Info("rule created", "rule_id", r.ID, "version", r.Version, "timestamp", r.Timestamp, "override", r.IsOverride())
	s.emit(ChangeEvent{
		Kind:      ChangeCreated,
		ID:        r.ID,
		Rule:      r.Clone(),
		Affected:  []string{r.ID},
		Timestamp: r.Timestamp,
	})
	return r.Clone(), nil
}

// Update replaces a rule's definition. expected must equal the stored
// version; the new version is exactly one greater.
func (s *Store) Update(ctx context.Context, def *rule.Rule, expected uint64) (*rule.Rule, error) {
	r := def.Clone()
	r.Normalize()
	if err := rule.Validate(r); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(r.ID)
	defer unlock()

	prev := s.row(r.ID)
	if prev == nil || prev.Deleted {
		return nil, &rule.NotFoundError{ID: r.ID}
	}
	if prev.Version != expected {
		return nil, &rule.VersionConflictError{ID: r.ID, Expected: expected, Actual: prev.Version}
	}
	if err := s.checkParent(r); err != nil {
		return nil, err
	}
	if err := s.checkDependentScopes(r); err != nil {
		return nil, err
	}

	r.Version = prev.Version + 1
	r.Vector = prev.Vector.Increment(s.nodeID)
	r.CreatedAt = prev.CreatedAt
	r.Deleted = false
	s.stampEdit(r, prev)

	if err := s.commit(ctx, r, prev, ReasonUpdated, true); err != nil {
		return nil, err
	}
	s.logger.Info("rule updated", "rule_id", r.ID, "version", r.Version, "timestamp", r.Timestamp)
	s.emit(ChangeEvent{
		Kind:      ChangeUpdated,
		ID:        r.ID,
		Rule:      r.Clone(),
		Previous:  prev.Clone(),
		Affected:  s.affected(r.ID),
		Timestamp: r.Timestamp,
	})
	return r.Clone(), nil
}

// Delete tombstones a rule. When overrides depend on it the delete is
// rejected with HasDependentsError unless cascade is set, in which case
// every dependent override is deleted first.
func (s *Store) Delete(ctx context.Context, id string, cascade bool) error {
	unlock := s.locks.lock(id)
	defer unlock()

	prev := s.row(id)
	if prev == nil || prev.Deleted {
		return &rule.NotFoundError{ID: id}
	}

	deps := s.beginDelete(id)
	defer s.endDelete(id)
	if len(deps) > 0 && !cascade {
		return &rule.HasDependentsError{ID: id, Dependents: deps}
	}
	if err := s.cascade(ctx, deps); err != nil {
		return err
	}

	tomb := prev.Clone()
	tomb.Deleted = true
	tomb.Version = prev.Version + 1
	tomb.Vector = prev.Vector.Increment(s.nodeID)
	s.stampEdit(tomb, prev)

	if err := s.commit(ctx, tomb, prev, ReasonDeleted, true); err != nil {
		return err
	}
	s.logger.Info("rule deleted", "rule_id", id, "version", tomb.Version, "cascaded", len(deps))
	s.emit(ChangeEvent{
		Kind:      ChangeDeleted,
		ID:        id,
		Rule:      tomb.Clone(),
		Previous:  prev.Clone(),
		Affected:  []string{id},
		Timestamp: tomb.Timestamp,
	})
	return nil
}

// beginDelete marks id as being deleted, so no new override can attach to
// it, and returns every override currently attached, including ones whose
// create is still in flight.
func (s *Store) beginDelete(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleting[id] = struct{}{}
	return s.graph.dependents(id)
}

func (s *Store) endDelete(id string) {
	s.mu.Lock()
	delete(s.deleting, id)
	s.mu.Unlock()
}

// cascade deletes the given overrides and everything below them. A
// dependent that is already gone is skipped.
func (s *Store) cascade(ctx context.Context, deps []string) error {
	for _, dep := range deps {
		if err := s.Delete(ctx, dep, true); err != nil && !errors.Is(err, rule.ErrNotFound) {
			return fmt.Errorf("failed to cascade delete to %q: %w", dep, err)
		}
	}
	return nil
}

// stampEdit marks r as a fresh local edit on top of prev. The edit time
// never falls behind the edit it supersedes, so a later edit always sorts
// after everything it has seen when concurrent versions are merged.
func (s *Store) stampEdit(r, prev *rule.Rule) {
	at := s.now()
	if prev != nil && !at.After(prev.UpdatedAt) {
		at = prev.UpdatedAt.Add(time.Nanosecond)
	}
	r.UpdatedAt = at
	r.Origin = s.nodeID
	r.Timestamp = s.clock.Tick()
	r.Edit = rule.Edit{At: at, Timestamp: r.Timestamp, Node: s.nodeID, Vector: r.Vector.Clone()}
}

// commit reserves the override edge, persists next and publishes it to the
// in-memory rows. The edge goes in first so that two concurrent writes
// re-parenting different overrides cannot jointly close a loop. Local
// writes also require the parent to be live when the edge is reserved.
func (s *Store) commit(ctx context.Context, next, prev *rule.Rule, reason HistoryReason, local bool) error {
	if err := s.reserveEdge(next, local); err != nil {
		return err
	}
	if err := s.backend.Save(ctx, next); err != nil {
		s.restoreEdge(next.ID, prev)
		return fmt.Errorf("failed to persist rule %q: %w", next.ID, err)
	}
	if reason != "" && prev != nil && !prev.Deleted {
		s.recordHistory(ctx, prev, reason)
	}
	s.mu.Lock()
	s.rows[next.ID] = next
	s.mu.Unlock()
	return nil
}

func (s *Store) recordHistory(ctx context.Context, r *rule.Rule, reason HistoryReason) {
	entry := HistoryEntry{Rule: r, Reason: reason, RecordedAt: s.now()}
	if err := s.backend.AppendHistory(ctx, entry, s.maxHistory); err != nil {
		s.logger.Warn("failed to record superseded version",
			"rule_id", r.ID, "version", r.Version, "reason", reason, "error", err)
	}
}

func (s *Store) reserveEdge(next *rule.Rule, local bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.Deleted || !next.IsOverride() {
		s.graph.remove(next.ID)
		return nil
	}
	if local {
		_, deleting := s.deleting[next.Parent]
		if parent := s.rows[next.Parent]; parent == nil || parent.Deleted || deleting {
			return rule.ValidationErrors{{Field: "parent", Message: fmt.Sprintf("parent rule %q not found", next.Parent)}}
		}
	}
	if path := s.graph.cycle(next.ID, next.Parent); path != nil {
		return &rule.CycleError{Path: path}
	}
	s.graph.set(next.ID, next.Parent)
	return nil
}

func (s *Store) restoreEdge(id string, prev *rule.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev != nil && !prev.Deleted && prev.IsOverride() {
		s.graph.set(id, prev.Parent)
		return
	}
	s.graph.remove(id)
}

// checkParent verifies an override's parent exists and that the override
// does not widen the parent's scope.
func (s *Store) checkParent(r *rule.Rule) error {
	if !r.IsOverride() {
		return nil
	}
	s.mu.RLock()
	parent := s.rows[r.Parent]
	s.mu.RUnlock()
	if parent == nil || parent.Deleted {
		return rule.ValidationErrors{{Field: "parent", Message: fmt.Sprintf("parent rule %q not found", r.Parent)}}
	}
	if r.Scope.Depth() < parent.Scope.Depth() {
		return rule.ValidationErrors{{
			Field:   "scope",
			Message: fmt.Sprintf("override scope %s is less specific than parent scope %s", r.Scope, parent.Scope),
		}}
	}
	return nil
}

// checkDependentScopes rejects narrowing a rule below one of its overrides.
func (s *Store) checkDependentScopes(r *rule.Rule) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dep := range s.graph.dependents(r.ID) {
		child := s.rows[dep]
		if child != nil && !child.Deleted && child.Scope.Depth() < r.Scope.Depth() {
			return rule.ValidationErrors{{
				Field:   "scope",
				Message: fmt.Sprintf("scope %s is more specific than dependent override %q", r.Scope, dep),
			}}
		}
	}
	return nil
}

func (s *Store) affected(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{id}, s.graph.descendants(id)...)
}

// Get returns the live rule with the given id.
func (s *Store) Get(ctx context.Context, id string) (*rule.Rule, error) {
	r := s.row(id)
	if r == nil || r.Deleted {
		return nil, &rule.NotFoundError{ID: id}
	}
	return r.Clone(), nil
}

// Raw returns the stored row, tombstones included.
func (s *Store) Raw(id string) (*rule.Rule, bool) {
	r := s.row(id)
	if r == nil {
		return nil, false
	}
	return r.Clone(), true
}

// List returns live rules matching the filter, sorted by id.
func (s *Store) List(ctx context.Context, f Filter) ([]*rule.Rule, error) {
	s.mu.RLock()
	out := make([]*rule.Rule, 0, len(s.rows))
	for _, r := range s.rows {
		if !r.Deleted && f.match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *rule.Rule) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Dependents returns the live overrides whose parent is id.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, dep := range s.graph.dependents(id) {
		if r := s.rows[dep]; r != nil && !r.Deleted {
			out = append(out, dep)
		}
	}
	return out
}

// attached returns every override with an edge to id, including ones whose
// write is still in flight.
func (s *Store) attached(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.dependents(id)
}

// History returns the superseded versions of id, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	return s.backend.History(ctx, id)
}

// Effective resolves a rule through its override chain. A plain rule is
// returned as is. An override whose ancestors are missing (for example,
// delivered by a peer before its parent) yields NotFoundError for the
// missing ancestor.
func (s *Store) Effective(id string) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.rows[id]
	if cur == nil || cur.Deleted {
		return nil, &rule.NotFoundError{ID: id}
	}
	chain := []*rule.Rule{cur}
	for cur.IsOverride() {
		parent := s.rows[cur.Parent]
		if parent == nil || parent.Deleted {
			return nil, &rule.NotFoundError{ID: cur.Parent}
		}
		chain = append(chain, parent)
		cur = parent
	}

	eff := chain[len(chain)-1].Clone()
	for i := len(chain) - 2; i >= 0; i-- {
		eff = chain[i].Resolve(eff)
	}
	return eff, nil
}

// IDs returns the ids of all live rows.
func (s *Store) IDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.rows))
	for id, r := range s.rows {
		if !r.Deleted {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Digest returns version metadata for every row, tombstones included,
// sorted by id.
func (s *Store) Digest() []Meta {
	s.mu.RLock()
	out := make([]Meta, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, Meta{
			ID:        r.ID,
			Version:   r.Version,
			Timestamp: r.Timestamp,
			Vector:    r.Vector.Clone(),
			Deleted:   r.Deleted,
		})
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Meta) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SweepExpired deletes overrides whose expiration has passed, cascading to
// their own overrides, and returns the ids it deleted.
func (s *Store) SweepExpired(ctx context.Context) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	var expired []string
	for id, r := range s.rows {
		if !r.Deleted && r.IsOverride() && r.Expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()
	slices.Sort(expired)

	var deleted []string
	for _, id := range expired {
		err := s.Delete(ctx, id, true)
		switch {
		case err == nil:
			deleted = append(deleted, id)
		case errors.Is(err, rule.ErrNotFound):
		default:
			return deleted, err
		}
	}
	if len(deleted) > 0 {
		s.logger.Info("expired overrides removed", "count", len(deleted))
	}
	return deleted, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

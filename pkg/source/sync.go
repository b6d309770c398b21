package source

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// Writer is the subset of the rule store a Syncer writes through.
type Writer interface {
	Create(ctx context.Context, def *rule.Rule) (*rule.Rule, error)
	Update(ctx context.Context, def *rule.Rule, expected uint64) (*rule.Rule, error)
	Delete(ctx context.Context, id string, cascade bool) error
	Raw(id string) (*rule.Rule, bool)
}

var _ Writer = (*store.Store)(nil)

// Report summarizes one sync of bundle rules into the store.
type Report struct {
	Created   []string
	Updated   []string
	Deleted   []string
	Unchanged int
	Failed    map[string]error
}

// Changed reports whether the sync wrote anything.
func (r *Report) Changed() bool {
	return len(r.Created)+len(r.Updated)+len(r.Deleted) > 0
}

// Syncer makes the store reflect a set of bundle rules. It remembers
// which ids it wrote, so rules removed from the bundles are deleted on the
// next sync while rules created through other paths are left alone.
type Syncer struct {
	writer Writer
	logger *slog.Logger

	mu      sync.Mutex
	managed map[string]bool
}

// NewSyncer creates a syncer writing to w.
func NewSyncer(w Writer, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		writer:  w,
		logger:  logger.With("component", "source.syncer"),
		managed: make(map[string]bool),
	}
}

// Sync creates, updates and deletes rules so the store matches rules.
// Parents are written before their overrides and overrides are deleted
// before their parents. A failing rule does not stop the others.
func (s *Syncer) Sync(ctx context.Context, rules []*rule.Rule) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := &Report{Failed: make(map[string]error)}
	wanted := make(map[string]*rule.Rule, len(rules))
	for _, r := range rules {
		wanted[r.ID] = r
	}

	for _, r := range parentsFirst(rules) {
		if err := ctx.Err(); err != nil {
			rep.Failed[r.ID] = err
			continue
		}
		s.put(ctx, r, rep)
	}

	var stale []string
	for id := range s.managed {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, id)
		}
	}
	// Deepest overrides first.
	slices.SortFunc(stale, func(a, b string) int { return s.depth(b) - s.depth(a) })
	for _, id := range stale {
		err := s.writer.Delete(ctx, id, false)
		switch {
		case err == nil:
			rep.Deleted = append(rep.Deleted, id)
			delete(s.managed, id)
		case errors.Is(err, rule.ErrNotFound):
			delete(s.managed, id)
		default:
			rep.Failed[id] = err
		}
	}

	s.logger.Info("rule bundles synced",
		"created", len(rep.Created),
		"updated", len(rep.Updated),
		"deleted", len(rep.Deleted),
		"unchanged", rep.Unchanged,
		"failed", len(rep.Failed),
	)
	for id, err := range rep.Failed {
		s.logger.Warn("rule from bundle not applied", "rule_id", id, "error", err)
	}
	return rep
}

func (s *Syncer) put(ctx context.Context, r *rule.Rule, rep *Report) {
	cur, ok := s.writer.Raw(r.ID)
	switch {
	case !ok || cur.Deleted:
		if _, err := s.writer.Create(ctx, r); err != nil {
			rep.Failed[r.ID] = err
			return
		}
		rep.Created = append(rep.Created, r.ID)
	case cur.SameDefinition(r):
		rep.Unchanged++
	default:
		if _, err := s.writer.Update(ctx, r, cur.Version); err != nil {
			rep.Failed[r.ID] = err
			return
		}
		rep.Updated = append(rep.Updated, r.ID)
	}
	s.managed[r.ID] = true
}

func (s *Syncer) depth(id string) int {
	d := 0
	for seen := map[string]bool{}; !seen[id]; d++ {
		seen[id] = true
		r, ok := s.writer.Raw(id)
		if !ok || r.Parent == "" {
			break
		}
		id = r.Parent
	}
	return d
}

// parentsFirst orders rules so every override follows its parent when the
// parent is in the set. Remaining order is preserved.
func parentsFirst(rules []*rule.Rule) []*rule.Rule {
	byID := make(map[string]*rule.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	out := make([]*rule.Rule, 0, len(rules))
	state := make(map[string]int) // 1 visiting, 2 done
	var visit func(r *rule.Rule)
	visit = func(r *rule.Rule) {
		if state[r.ID] != 0 {
			return
		}
		state[r.ID] = 1
		if p, ok := byID[r.Parent]; ok {
			visit(p)
		}
		state[r.ID] = 2
		out = append(out, r)
	}
	for _, r := range rules {
		visit(r)
	}
	return out
}

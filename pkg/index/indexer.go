package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// Source is the part of the rule store the indexer reads.
type Source interface {
	IDs() []string
	Effective(id string) (*rule.Rule, error)
	Subscribe(fn store.Subscriber)
}

// Options configures an Indexer.
type Options struct {
	// Now stamps snapshots. Default: time.Now
	Now func() time.Time

	Logger *slog.Logger
}

// Indexer maintains the published snapshot. Mutations arrive as store
// change events; each one produces a new snapshot that replaces the old
// one atomically.
type Indexer struct {
	src    Source
	now    func() time.Time
	logger *slog.Logger

	current atomic.Pointer[Snapshot]

	// mu serializes snapshot construction.
	mu  sync.Mutex
	seq uint64
}

// New builds the initial snapshot from src and subscribes to its changes.
func New(ctx context.Context, src Source, opts Options) (*Indexer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ix := &Indexer{
		src:    src,
		now:    opts.Now,
		logger: opts.Logger.With("component", "index"),
	}
	ix.current.Store(emptySnapshot())
	if err := ix.Rebuild(ctx); err != nil {
		return nil, err
	}
	src.Subscribe(ix.handle)
	return ix, nil
}

// Snapshot returns the current snapshot. It never blocks on writers.
func (ix *Indexer) Snapshot() *Snapshot {
	return ix.current.Load()
}

// Rebuild reprojects every live rule from the source. Entries whose
// effective definition is unchanged keep their Changed sequence, so cached
// results for them stay valid.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev := ix.current.Load()
	ix.seq++
	seq := ix.seq

	ids := ix.src.IDs()
	changed := make(map[string]*Entry, len(ids))
	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := ix.project(id, seq)
		if err != nil {
			continue
		}
		live[id] = struct{}{}
		if old, ok := prev.entries[id]; ok && old.Rule.Version == e.Rule.Version && old.Rule.SameDefinition(e.Rule) {
			continue
		}
		changed[id] = e
	}
	var removed []string
	for id := range prev.entries {
		if _, ok := live[id]; !ok {
			removed = append(removed, id)
		}
	}

	next := prev.derive(seq, ix.now(), changed, removed)
	ix.current.Store(next)
	ix.logger.Info("index rebuilt", "seq", seq, "rules", next.Len(), "changed", len(changed), "removed", len(removed))
	return nil
}

// handle is the store subscriber. It reprojects every id the event
// affects: the mutated rule and the overrides below it.
func (ix *Indexer) handle(ev store.ChangeEvent) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.seq++
	seq := ix.seq

	changed := make(map[string]*Entry, len(ev.Affected))
	var removed []string
	for _, id := range ev.Affected {
		e, err := ix.project(id, seq)
		if err != nil {
			removed = append(removed, id)
			continue
		}
		changed[id] = e
	}

	next := ix.current.Load().derive(seq, ix.now(), changed, removed)
	ix.current.Store(next)
	ix.logger.Debug("snapshot published",
		"seq", seq,
		"rule_id", ev.ID,
		"kind", ev.Kind,
		"affected", len(ev.Affected),
		"remote", ev.Remote,
	)
}

func (ix *Indexer) project(id string, seq uint64) (*Entry, error) {
	eff, err := ix.src.Effective(id)
	if err != nil {
		if !errors.Is(err, rule.ErrNotFound) {
			ix.logger.Warn("failed to resolve rule", "rule_id", id, "error", err)
		}
		return nil, err
	}
	e, err := newEntry(eff, seq)
	if err != nil {
		ix.logger.Warn("failed to compile rule conditions", "rule_id", id, "error", err)
		return nil, err
	}
	return e, nil
}

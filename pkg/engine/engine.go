package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/rule"
)

// SnapshotSource supplies the current index snapshot.
type SnapshotSource interface {
	Snapshot() *index.Snapshot
}

// Observer receives one sample per evaluation.
type Observer interface {
	ObserveEvaluation(duration time.Duration, cacheHit bool, d *Decision)
}

// Options configures an Engine.
type Options struct {
	// Resolver settles same-level conflicts. Default: a resolver with
	// default options.
	Resolver *conflict.Resolver

	// Cache bounds the evaluation result cache. A zero MaxEntries
	// disables caching.
	Cache index.CacheConfig

	// Tracer records evaluation spans. Default: the global tracer provider.
	Tracer trace.Tracer

	Observer Observer

	// Now decides override expiry. Default: time.Now
	Now func() time.Time

	Logger *slog.Logger
}

// Engine evaluates contexts against index snapshots. It is safe for
// concurrent use; evaluations never block rule store writers.
type Engine struct {
	src      SnapshotSource
	resolver *conflict.Resolver
	cache    *index.Cache[*Decision]
	tracer   trace.Tracer
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an engine reading from src.
func New(src SnapshotSource, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.NewResolver(conflict.Options{Logger: opts.Logger})
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("mercator-hq/concord/engine")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		src:      src,
		resolver: opts.Resolver,
		cache:    index.NewCache[*Decision](opts.Cache),
		tracer:   opts.Tracer,
		observer: opts.Observer,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "engine"),
	}
}

// Evaluate returns the merged decision for c. Unknown context fields are
// ignored. The only error is cancellation of ctx before evaluation starts;
// evaluation itself has no side effects beyond the cache.
func (e *Engine) Evaluate(ctx context.Context, c rule.Context) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	_, span := e.tracer.Start(ctx, "engine.Evaluate")
	defer span.End()

	snap := e.src.Snapshot()
	chain := c.ScopeChain()
	levels := snap.Candidates(chain)
	now := e.now()

	var (
		d   *Decision
		hit bool
	)
	if e.cache.Enabled() && cacheable(levels) {
		key := index.KeyFor(chain, levels, c)
		stamp := index.Stamp(levels)
		d, hit = e.cache.Do(key, stamp, func() *Decision {
			return e.decide(chain, levels, c, now)
		})
	} else {
		d = e.decide(chain, levels, c, now)
	}

	span.SetAttributes(
		attribute.Int64("concord.snapshot_seq", int64(snap.Seq())),
		attribute.Int("concord.scope_depth", len(chain)),
		attribute.Int("concord.actions", len(d.Actions)),
		attribute.Bool("concord.cache_hit", hit),
		attribute.Bool("concord.unresolved", d.Unresolved),
	)
	elapsed := time.Since(start)
	if e.observer != nil {
		e.observer.ObserveEvaluation(elapsed, hit, d)
	}
	e.logger.Debug("context evaluated",
		"scope", d.ScopeChain[len(d.ScopeChain)-1],
		"actions", len(d.Actions),
		"contributors", len(d.Contributors),
		"unresolved", d.Unresolved,
		"cache_hit", hit,
		"duration", elapsed,
	)
	return d.Clone(), nil
}

// CacheStats returns the evaluation cache counters.
func (e *Engine) CacheStats() index.CacheStats {
	return e.cache.Stats()
}

// decide runs the evaluation proper: for each level of the chain, the
// matching rules are merged and layered over the less specific levels.
func (e *Engine) decide(chain []rule.ScopeRef, levels [][]*index.Entry, c rule.Context, now time.Time) *Decision {
	b := newBuilder(e.resolver, chain, c)
	for i, ref := range chain {
		var matched []*index.Entry
		for _, entry := range levels[i] {
			if entry.Rule.Expired(now) {
				continue
			}
			if entry.Matches(c) {
				matched = append(matched, entry)
			}
		}
		if len(matched) > 0 {
			b.level(ref, matched)
		}
	}
	return b.finish()
}

// cacheable reports whether a cached result for these candidates could
// only go stale through a snapshot change. Candidates that expire on
// their own are evaluated fresh.
func cacheable(levels [][]*index.Entry) bool {
	for _, level := range levels {
		for _, entry := range level {
			if entry.Rule.ExpiresAt != nil {
				return false
			}
		}
	}
	return true
}

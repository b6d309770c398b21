package concord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/concord/pkg/audit"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/engine"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/notify"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/source"
	"mercator-hq/concord/pkg/store"
	"mercator-hq/concord/pkg/telemetry/metrics"
)

// Options wires a Concord instance. Every component is optional; zero
// values give an in-memory node with no peers.
type Options struct {
	// NodeID identifies this node. Required.
	NodeID string

	// Backend persists rule rows. Default: a MemoryBackend.
	Backend store.Backend

	// MaxHistory bounds superseded versions kept per rule.
	MaxHistory int

	// Cache bounds the evaluation cache. A zero MaxEntries disables it.
	Cache index.CacheConfig

	DefaultStrategy rule.Strategy
	MinQuorum       int

	// ConflictLogSize bounds the records kept in the conflict log.
	// Default: conflict.DefaultLogLimit
	ConflictLogSize int

	// Replication configures the sync coordinator. Store, Conflicts,
	// Observer, OnConflict, OnEmergency, Now and Logger are set by New.
	Replication replication.Options

	// AuditSink receives the audit trail. Nil disables auditing. Close
	// drains into it but leaves it open.
	AuditSink   audit.Sink
	AuditConfig audit.Config

	// Notifier announces conflicts, emergency pushes and degraded peers.
	Notifier notify.Notifier

	// NotifyTimeout bounds one announcement. Default: 5s
	NotifyTimeout time.Duration

	// Metrics receives evaluation, store and sync samples.
	Metrics *metrics.Collector

	// Rules is the bundle source LoadRules reads.
	Rules RulesOptions

	Tracer trace.Tracer
	Now    func() time.Time
	Logger *slog.Logger
}

// RulesOptions locates rule bundles.
type RulesOptions struct {
	// Path is a bundle file or directory. Ignored when Git is set.
	Path string

	// Watch reloads bundles when files under the path change.
	Watch    bool
	Debounce time.Duration

	// Git keeps the bundles in a cloned repository.
	Git *source.GitSource
}

// Concord is one node of the rule governance network: a rule store, its
// index and evaluation engine, the conflict log, and the coordinator that
// keeps peers in sync. It is safe for concurrent use.
type Concord struct {
	node        string
	store       *store.Store
	index       *index.Indexer
	engine      *engine.Engine
	resolver    *conflict.Resolver
	conflicts   *conflict.Log
	coordinator *replication.Coordinator
	recorder    *audit.Recorder
	notifier    notify.Notifier
	metrics     *metrics.Collector
	syncer      *source.Syncer
	rules       RulesOptions
	now         func() time.Time
	logger      *slog.Logger

	notifyTimeout time.Duration
	pending       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	gitOpened bool
	watcher   *source.Watcher
	closers   []func() error
}

// New assembles a node from opts. Peers are not contacted until Start.
func New(ctx context.Context, opts Options) (*Concord, error) {
	if opts.NodeID == "" {
		return nil, errors.New("concord: node id is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	logger := opts.Logger.With("node", opts.NodeID)

	c := &Concord{
		node:          opts.NodeID,
		conflicts:     conflict.NewLog(opts.Now, opts.ConflictLogSize),
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		rules:         opts.Rules,
		now:           opts.Now,
		logger:        logger.With("component", "concord"),
		notifyTimeout: opts.NotifyTimeout,
	}

	st, err := store.New(ctx, store.Options{
		NodeID:     opts.NodeID,
		Backend:    opts.Backend,
		MaxHistory: opts.MaxHistory,
		Now:        opts.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}
	c.store = st
	c.closers = append(c.closers, st.Close)

	ix, err := index.New(ctx, st, index.Options{Now: opts.Now, Logger: logger})
	if err != nil {
		c.closeAll()
		return nil, fmt.Errorf("failed to build rule index: %w", err)
	}
	c.index = ix

	c.resolver = conflict.NewResolver(conflict.Options{
		DefaultStrategy: opts.DefaultStrategy,
		MinQuorum:       opts.MinQuorum,
		Logger:          logger,
	})
	obs := &observer{c: c}
	c.engine = engine.New(ix, engine.Options{
		Resolver: c.resolver,
		Cache:    opts.Cache,
		Tracer:   opts.Tracer,
		Observer: obs,
		Now:      opts.Now,
		Logger:   logger,
	})

	ropts := opts.Replication
	ropts.Store = st
	ropts.Conflicts = c.conflicts
	ropts.Observer = obs
	ropts.OnConflict = c.conflictRecorded
	ropts.OnEmergency = c.emergencyPushed
	ropts.Now = opts.Now
	ropts.Logger = logger
	if ropts.Tracer == nil {
		ropts.Tracer = opts.Tracer
	}
	coord, err := replication.New(ropts)
	if err != nil {
		c.closeAll()
		return nil, fmt.Errorf("failed to create sync coordinator: %w", err)
	}
	c.coordinator = coord

	c.syncer = source.NewSyncer(st, logger)

	if opts.AuditSink != nil {
		acfg := opts.AuditConfig
		acfg.Node = opts.NodeID
		if acfg.Now == nil {
			acfg.Now = opts.Now
		}
		if acfg.Logger == nil {
			acfg.Logger = logger
		}
		c.recorder = audit.NewRecorder(opts.AuditSink, acfg)
	}
	// Audit and metrics see every mutation, local or replicated.
	st.Subscribe(c.onChange)

	if c.metrics != nil {
		c.metrics.SetRuleCount(len(st.IDs()))
	}
	c.logger.Info("concord node ready",
		"rules", len(st.IDs()),
		"peers", len(ropts.Peers),
		"audit", c.recorder != nil,
	)
	return c, nil
}

// NodeID returns the local node id.
func (c *Concord) NodeID() string {
	return c.node
}

// Store returns the rule store.
func (c *Concord) Store() *store.Store {
	return c.store
}

// Engine returns the evaluation engine.
func (c *Concord) Engine() *engine.Engine {
	return c.engine
}

// Coordinator returns the sync coordinator. It serves the replication
// endpoint.
func (c *Concord) Coordinator() *replication.Coordinator {
	return c.coordinator
}

// ConflictLog returns the log of detected conflicts.
func (c *Concord) ConflictLog() *conflict.Log {
	return c.conflicts
}

// Audit returns the audit recorder, or nil when auditing is off.
func (c *Concord) Audit() *audit.Recorder {
	return c.recorder
}

// Metrics returns the metrics collector, or nil when metrics are off.
func (c *Concord) Metrics() *metrics.Collector {
	return c.metrics
}

// AddCloser registers fn to run on Close after the node's own
// components have shut down, in reverse registration order.
func (c *Concord) AddCloser(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Start launches the peer workers and, when configured, the bundle
// watcher.
func (c *Concord) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("concord: node is closed")
	}
	if c.started {
		return errors.New("concord: node already started")
	}
	if err := c.coordinator.Start(ctx); err != nil {
		return err
	}
	if c.rules.Watch {
		if err := c.startWatcher(ctx); err != nil {
			c.coordinator.Stop()
			return err
		}
	}
	c.started = true
	return nil
}

// Close stops sync and watching, waits for pending announcements, drains
// the audit recorder and closes storage. It is idempotent.
func (c *Concord) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watcher := c.watcher
	c.mu.Unlock()

	var errs []error
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.coordinator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sync coordinator: %w", err))
	}
	c.pending.Wait()
	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit recorder: %w", err))
		}
	}
	errs = append(errs, c.closeAll())
	c.logger.Info("concord node closed")
	return errors.Join(errs...)
}

func (c *Concord) closeAll() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// PeerConfig names a remote node and where to reach it.
type PeerConfig struct {
	Name    string
	Address string
}

// Observer receives sync samples.
type Observer interface {
	ObservePeerState(peer string, state PeerState)
	ObserveSyncCycle(peer string, duration time.Duration, err error)
	ObserveApply(peer string, outcome store.Outcome)
	ObserveEmergencyPush(peer string, acked bool)
}

// Options configures a Coordinator.
type Options struct {
	// Store is the local rule store. Required.
	Store *store.Store

	// Transport reaches peers. Required when Peers is not empty.
	Transport Transport

	Peers []PeerConfig

	// Journal records per-peer SyncState. Default: a MemoryJournal.
	Journal Journal

	// Conflicts receives a record for every concurrent edit detected.
	// Default: a new log.
	Conflicts *conflict.Log

	// PreferredNode wins concurrent edits it originated.
	PreferredNode string

	// HandshakeTimeout bounds one handshake attempt. Default: 5s
	HandshakeTimeout time.Duration

	// TransferTimeout bounds one digest, fetch or push attempt. Default: 30s
	TransferTimeout time.Duration

	// MaxAttempts bounds retries of one step before the peer is marked
	// degraded. Default: 5
	MaxAttempts int

	// BackoffInitial and BackoffMax shape the exponential retry delay.
	// Defaults: 200ms and 10s
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// QueueSize bounds each peer's inbound queue. Default: 64
	QueueSize int

	// Compression enables zstd for large message bodies.
	Compression bool

	// AutoEmergency pushes local mutations of CRITICAL rules immediately.
	AutoEmergency bool

	// OnConflict is called after a sync conflict is recorded.
	OnConflict func(*conflict.Record)

	// OnEmergency is called with the outcome of every emergency push.
	OnEmergency func(ruleID string, reports []PushReport)

	Observer Observer
	Tracer   trace.Tracer
	Now      func() time.Time
	Logger   *slog.Logger
}

// Coordinator propagates rule changes between this node and its peers.
// Each peer gets a dedicated outbound worker, which runs sync cycles and
// emergency pushes in order, and an inbound worker draining a bounded
// queue of received rows.
type Coordinator struct {
	node      string
	store     *store.Store
	transport Transport
	journal   Journal
	conflicts *conflict.Log
	picker    conflict.SyncPicker
	codec     Codec

	handshakeTimeout time.Duration
	transferTimeout  time.Duration
	maxAttempts      int
	backoffInitial   time.Duration
	backoffMax       time.Duration
	queueSize        int
	autoEmergency    bool

	onConflict  func(*conflict.Record)
	onEmergency func(string, []PushReport)
	observer    Observer
	tracer      trace.Tracer
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.RWMutex
	peers   map[string]*peer
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a coordinator. It does not contact peers until Start.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("replication: store is required")
	}
	if len(opts.Peers) > 0 && opts.Transport == nil {
		return nil, errors.New("replication: transport is required when peers are configured")
	}
	if opts.Journal == nil {
		opts.Journal = NewMemoryJournal()
	}
	if opts.Conflicts == nil {
		opts.Conflicts = conflict.NewLog(opts.Now, 0)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 200 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = max(10*time.Second, opts.BackoffInitial)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("mercator-hq/concord/replication")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Coordinator{
		node:             opts.Store.NodeID(),
		store:            opts.Store,
		transport:        opts.Transport,
		journal:          opts.Journal,
		conflicts:        opts.Conflicts,
		picker:           conflict.SyncPicker{Preferred: opts.PreferredNode},
		codec:            Codec{Compress: opts.Compression},
		handshakeTimeout: opts.HandshakeTimeout,
		transferTimeout:  opts.TransferTimeout,
		maxAttempts:      opts.MaxAttempts,
		backoffInitial:   opts.BackoffInitial,
		backoffMax:       opts.BackoffMax,
		queueSize:        opts.QueueSize,
		autoEmergency:    opts.AutoEmergency,
		onConflict:       opts.OnConflict,
		onEmergency:      opts.OnEmergency,
		observer:         opts.Observer,
		tracer:           opts.Tracer,
		now:              opts.Now,
		logger:           opts.Logger.With("component", "replication.coordinator", "node", opts.Store.NodeID()),
		peers:            make(map[string]*peer),
		done:             make(chan struct{}),
	}
	close(c.done)

	for _, pc := range opts.Peers {
		if pc.Name == "" || pc.Address == "" {
			return nil, fmt.Errorf("replication: peer %q needs a name and an address", pc.Name)
		}
		if pc.Name == c.node {
			return nil, fmt.Errorf("replication: peer %q has this node's id", pc.Name)
		}
		if _, dup := c.peers[pc.Name]; dup {
			return nil, fmt.Errorf("replication: duplicate peer %q", pc.Name)
		}
		c.peers[pc.Name] = newPeer(pc.Name, pc.Address, c.queueSize)
	}

	opts.Store.Subscribe(c.onChange)
	return c, nil
}

// NodeID returns the local node id.
func (c *Coordinator) NodeID() string {
	return c.node
}

// Conflicts returns the conflict log sync conflicts are recorded in.
func (c *Coordinator) Conflicts() *conflict.Log {
	return c.conflicts
}

// Journal returns the SyncState journal.
func (c *Coordinator) Journal() Journal {
	return c.journal
}

// Start launches the per-peer workers. Peers are contacted on the first
// sync cycle.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("replication: coordinator already running")
	}
	c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.done = make(chan struct{})
	c.running = true
	for _, p := range c.peers {
		c.startPeer(p)
	}
	c.logger.Info("replication coordinator started", "peers", len(c.peers))
	return nil
}

// startPeer launches p's workers. Callers hold c.mu.
func (c *Coordinator) startPeer(p *peer) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runOutbound(c.runCtx, p)
	}()
	go func() {
		defer c.wg.Done()
		c.runInbound(c.runCtx, p)
	}()
}

// Stop halts the workers, waits for them and marks every peer
// disconnected. In-flight operations are cancelled.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	close(c.done)
	peers := c.peerList()
	c.mu.Unlock()

	c.wg.Wait()
	for _, p := range peers {
		c.setState(p, StateDisconnected)
	}
	c.logger.Info("replication coordinator stopped")
}

// Close stops the coordinator and closes the journal.
func (c *Coordinator) Close() error {
	c.Stop()
	return c.journal.Close()
}

// peerList returns peers sorted by name. Callers hold c.mu.
func (c *Coordinator) peerList() []*peer {
	out := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *peer) int { return strings.Compare(a.name, b.name) })
	return out
}

func (c *Coordinator) peer(name string) (*peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[name]
	if !ok || p.address == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, name)
	}
	return p, nil
}

// peerFor returns the peer a message came from, registering senders that
// are not configured as inbound-only peers.
func (c *Coordinator) peerFor(name string) *peer {
	c.mu.RLock()
	p, ok := c.peers[name]
	c.mu.RUnlock()
	if ok {
		return p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[name]; ok {
		return p
	}
	p = newPeer(name, "", c.queueSize)
	c.peers[name] = p
	if c.running {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runInbound(c.runCtx, p)
		}()
	}
	c.logger.Info("inbound peer registered", "peer", name)
	return p
}

// outbound returns the configured peers, sorted by name.
func (c *Coordinator) outbound() []*peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*peer
	for _, p := range c.peerList() {
		if p.address != "" {
			out = append(out, p)
		}
	}
	return out
}

// Status returns sync_status for every known peer, sorted by name.
func (c *Coordinator) Status() []PeerStatus {
	c.mu.RLock()
	peers := c.peerList()
	c.mu.RUnlock()
	out := make([]PeerStatus, len(peers))
	for i, p := range peers {
		out[i] = p.status()
	}
	return out
}

// PeerStatus returns sync_status for one peer.
func (c *Coordinator) PeerStatus(name string) (PeerStatus, bool) {
	c.mu.RLock()
	p, ok := c.peers[name]
	c.mu.RUnlock()
	if !ok {
		return PeerStatus{}, false
	}
	return p.status(), true
}

// SyncAll runs a routine cycle against every configured peer in parallel.
// Degraded peers are skipped until Reconnect or ForceSync brings them back.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	return c.each(ctx, func(ctx context.Context, p *peer) error {
		switch p.status().State {
		case StateDegraded, StateDisconnected:
			return nil
		}
		return c.SyncPeer(ctx, p.name)
	})
}

// Reconnect attempts a fresh cycle with every degraded peer.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	return c.each(ctx, func(ctx context.Context, p *peer) error {
		if p.status().State != StateDegraded {
			return nil
		}
		return c.sync(ctx, p, true)
	})
}

// ForceSync runs a cycle with a fresh handshake against the named peer,
// or against every configured peer when name is empty. Degraded peers are
// included.
func (c *Coordinator) ForceSync(ctx context.Context, name string) error {
	if name != "" {
		p, err := c.peer(name)
		if err != nil {
			return err
		}
		return c.sync(ctx, p, true)
	}
	return c.each(ctx, func(ctx context.Context, p *peer) error {
		return c.sync(ctx, p, true)
	})
}

// SyncPeer runs one routine cycle against the named peer and waits for it.
func (c *Coordinator) SyncPeer(ctx context.Context, name string) error {
	p, err := c.peer(name)
	if err != nil {
		return err
	}
	return c.sync(ctx, p, false)
}

func (c *Coordinator) sync(ctx context.Context, p *peer, force bool) error {
	return c.submit(ctx, p.requests, func(ctx context.Context) error {
		return c.cycle(ctx, p, force)
	})
}

// each runs fn for every configured peer concurrently and joins the
// errors.
func (c *Coordinator) each(ctx context.Context, fn func(context.Context, *peer) error) error {
	peers := c.outbound()
	errs := make([]error, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			errs[i] = fn(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// submit hands op to a peer's outbound worker on lane and waits for it.
func (c *Coordinator) submit(ctx context.Context, lane chan *job, op func(context.Context) error) error {
	c.mu.RLock()
	running, done := c.running, c.done
	c.mu.RUnlock()
	if !running {
		return ErrStopped
	}
	j := &job{run: op, done: make(chan error, 1)}
	select {
	case lane <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}
}

// onChange triggers emergency pushes for local mutations of CRITICAL
// rules. It runs under the store's row lock, so the push itself happens
// on another goroutine.
func (c *Coordinator) onChange(ev store.ChangeEvent) {
	if !c.autoEmergency || ev.Remote {
		return
	}
	c.mu.RLock()
	running, ctx := c.running, c.runCtx
	if running {
		c.wg.Add(1)
	}
	c.mu.RUnlock()
	if !running {
		return
	}
	go func() {
		defer c.wg.Done()
		if !c.critical(ev) {
			return
		}
		if _, err := c.EmergencyPush(ctx, ev.ID); err != nil && ctx.Err() == nil {
			c.logger.Warn("automatic emergency push failed", "rule_id", ev.ID, "error", err)
		}
	}()
}

func (c *Coordinator) critical(ev store.ChangeEvent) bool {
	prio := ev.Rule.Priority
	if eff, err := c.store.Effective(ev.ID); err == nil {
		prio = eff.Priority
	} else if ev.Previous != nil && prio == 0 {
		prio = ev.Previous.Priority
	}
	return prio.Band() == rule.PriorityCritical
}

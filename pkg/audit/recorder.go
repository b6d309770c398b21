package audit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/store"
)

// Config contains configuration for the audit recorder.
type Config struct {
	// Node is the local node id stamped on every record.
	Node string

	// BufferSize is the size of the async write channel buffer.
	// Default: 1000
	BufferSize int

	// WriteTimeout bounds each sink write, and how long Record waits for
	// buffer space before dropping a record.
	// Default: 5 seconds
	WriteTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Recorder writes audit records to a sink asynchronously so rule
// mutations never wait on audit storage.
type Recorder struct {
	sink    Sink
	config  Config
	records chan *Record
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRecorder creates a recorder draining into sink and starts its worker.
func NewRecorder(sink Sink, config Config) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		sink:    sink,
		config:  config,
		records: make(chan *Record, config.BufferSize),
		done:    make(chan struct{}),
		logger:  logger.With("component", "audit.recorder"),
	}
	r.wg.Add(1)
	go r.worker()

	r.logger.Info("audit recorder initialized",
		"buffer_size", config.BufferSize,
		"write_timeout", config.WriteTimeout,
	)
	return r
}

// Sink returns the sink records are written to.
func (r *Recorder) Sink() Sink {
	return r.sink
}

// Record enqueues rec for writing, filling ID, Node and RecordedAt when
// unset. It returns immediately unless the buffer is full, in which case
// it waits up to the write timeout and then drops the record.
func (r *Recorder) Record(rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Node == "" {
		rec.Node = r.config.Node
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.config.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return &RecorderError{RecordID: rec.ID, Cause: ErrClosed}
	}

	select {
	case r.records <- rec:
		return nil
	default:
	}
	timer := time.NewTimer(r.config.WriteTimeout)
	defer timer.Stop()
	select {
	case r.records <- rec:
		return nil
	case <-timer.C:
		r.logger.Error("audit buffer full, dropping record",
			"record_id", rec.ID,
			"kind", rec.Kind,
			"rule_id", rec.RuleID,
			"buffer_size", r.config.BufferSize,
		)
		return &RecorderError{RecordID: rec.ID, Cause: context.DeadlineExceeded}
	}
}

// RecordChange audits a rule store mutation.
func (r *Recorder) RecordChange(ev store.ChangeEvent) error {
	kind := KindRuleUpdated
	switch ev.Kind {
	case store.ChangeCreated:
		kind = KindRuleCreated
	case store.ChangeDeleted:
		kind = KindRuleDeleted
	}
	rec := &Record{
		Kind:      kind,
		RuleID:    ev.ID,
		Timestamp: ev.Timestamp,
		Remote:    ev.Remote,
	}
	if ev.Rule != nil {
		rec.Version = ev.Rule.Version
		rec.Origin = ev.Rule.Origin
	}
	if len(ev.Affected) > 1 {
		rec.RuleIDs = ev.Affected
	}
	return r.Record(rec)
}

// RecordConflict audits a detected or settled conflict.
func (r *Recorder) RecordConflict(c *conflict.Record) error {
	kind := KindConflict
	if c.ResolvedBy != "" {
		kind = KindConflictSettle
	}
	detail := map[string]string{
		"conflict_id": c.ID,
		"source":      string(c.Kind),
		"strategy":    string(c.Strategy),
		"escalated":   strconv.FormatBool(c.Escalated),
	}
	if c.Winner != "" {
		detail["winner"] = c.Winner
	}
	if c.Target != "" {
		detail["target"] = c.Target
	}
	if c.ContextHash != "" {
		detail["context_hash"] = c.ContextHash
	}
	if c.ResolvedBy != "" {
		detail["resolved_by"] = c.ResolvedBy
	}
	rec := &Record{
		Kind:    kind,
		RuleIDs: c.RuleIDs,
		Peer:    c.Peer,
		Detail:  detail,
	}
	if len(c.RuleIDs) > 0 {
		rec.RuleID = c.RuleIDs[0]
	}
	if len(c.Versions) > 0 {
		rec.Version = c.Versions[0]
	}
	return r.Record(rec)
}

// RecordEmergency audits an emergency push of ruleID reaching acked of
// peers targeted peers.
func (r *Recorder) RecordEmergency(ruleID string, version uint64, peers, acked int) error {
	return r.Record(&Record{
		Kind:    KindEmergencyPush,
		RuleID:  ruleID,
		Version: version,
		Detail: map[string]string{
			"peers": strconv.Itoa(peers),
			"acked": strconv.Itoa(acked),
		},
	})
}

// Close stops accepting records, drains the buffer and waits for pending
// writes.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		r.wg.Wait()
		r.logger.Info("audit recorder shut down")
	})
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.records:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.records:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Error("failed to store audit record",
			"record_id", rec.ID,
			"kind", rec.Kind,
			"rule_id", rec.RuleID,
			"error", err,
		)
		return
	}
	if d := time.Since(start); d > r.config.WriteTimeout/2 {
		r.logger.Warn("slow audit write",
			"record_id", rec.ID,
			"duration_ms", d.Milliseconds(),
		)
	}
}

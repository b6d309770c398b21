package replication

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// SyncState is what this node knows about one rule on one peer.
type SyncState struct {
	Peer   string `cbor:"peer" json:"peer"`
	RuleID string `cbor:"rule_id" json:"rule_id"`

	// Version, Timestamp and Vector are the last values observed for the
	// rule on the peer, from a digest or a transferred row.
	Version   uint64             `cbor:"version" json:"version"`
	Timestamp uint64             `cbor:"timestamp" json:"timestamp"`
	Vector    rule.VersionVector `cbor:"vector,omitempty" json:"vector,omitempty"`

	// Outcome is the result of the last apply of a row from the peer.
	Outcome store.Outcome `cbor:"outcome,omitempty" json:"outcome,omitempty"`

	// Pending counts rows received from the peer and not yet applied.
	Pending int `cbor:"pending" json:"pending"`

	UpdatedAt time.Time `cbor:"updated_at" json:"updated_at"`
}

// Journal persists SyncState. Entries are only ever superseded, never
// removed.
type Journal interface {
	Get(peer, ruleID string) (SyncState, bool, error)
	Put(st SyncState) error
	List(peer string) ([]SyncState, error)
	Close() error
}

func journalKey(peer, ruleID string) string {
	return "sync/" + peer + "/" + ruleID
}

func sortStates(out []SyncState) {
	slices.SortFunc(out, func(a, b SyncState) int {
		if c := strings.Compare(a.Peer, b.Peer); c != 0 {
			return c
		}
		return strings.Compare(a.RuleID, b.RuleID)
	})
}

// MemoryJournal keeps SyncState in process.
type MemoryJournal struct {
	mu     sync.RWMutex
	states map[string]SyncState
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{states: make(map[string]SyncState)}
}

// Get implements Journal.
func (j *MemoryJournal) Get(peer, ruleID string) (SyncState, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	st, ok := j.states[journalKey(peer, ruleID)]
	return st, ok, nil
}

// Put implements Journal.
func (j *MemoryJournal) Put(st SyncState) error {
	st.Vector = st.Vector.Clone()
	j.mu.Lock()
	j.states[journalKey(st.Peer, st.RuleID)] = st
	j.mu.Unlock()
	return nil
}

// List implements Journal. An empty peer lists every peer.
func (j *MemoryJournal) List(peer string) ([]SyncState, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []SyncState
	for _, st := range j.states {
		if peer == "" || st.Peer == peer {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}

// Close implements Journal.
func (j *MemoryJournal) Close() error { return nil }

// BadgerConfig configures a BadgerJournal.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	Logger *slog.Logger
}

// BadgerJournal stores SyncState in a badger database, CBOR-encoded under
// "sync/<peer>/<rule id>" keys.
type BadgerJournal struct {
	db *badger.DB
}

// OpenBadgerJournal opens or creates the journal database.
func OpenBadgerJournal(cfg BadgerConfig) (*BadgerJournal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal: path is required for a persistent journal")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "replication.journal")})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

// Get implements Journal.
func (j *BadgerJournal) Get(peer, ruleID string) (SyncState, bool, error) {
	var st SyncState
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(journalKey(peer, ruleID)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decMode.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("read sync state %s/%s: %w", peer, ruleID, err)
	}
	return st, true, nil
}

// Put implements Journal.
func (j *BadgerJournal) Put(st SyncState) error {
	val, err := encMode.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(journalKey(st.Peer, st.RuleID)), val)
	})
	if err != nil {
		return fmt.Errorf("write sync state %s/%s: %w", st.Peer, st.RuleID, err)
	}
	return nil
}

// List implements Journal. An empty peer lists every peer.
func (j *BadgerJournal) List(peer string) ([]SyncState, error) {
	prefix := []byte("sync/")
	if peer != "" {
		prefix = []byte("sync/" + peer + "/")
	}
	var out []SyncState
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st SyncState
			if err := it.Item().Value(func(val []byte) error {
				return decMode.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sync state: %w", err)
	}
	sortStates(out)
	return out, nil
}

// Close implements Journal.
func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

// badgerLogger routes badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mercator-hq/concord/pkg/rule"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend implements Backend on SQLite. Rows and history live in
// one WAL-mode database with a single writer connection; the WAL is
// checkpointed periodically and on close.
type SQLiteBackend struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once

	saveStmt    *sql.Stmt
	loadAllStmt *sql.Stmt
	historyStmt *sql.Stmt
	appendStmt  *sql.Stmt
	trimStmt    *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend opens (or creates) the database at dbPath with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig opens the database with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	b := &SQLiteBackend{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := b.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go b.checkpointLoop()

	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		parent TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		lamport INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_parent ON rules(parent);

	CREATE TABLE IF NOT EXISTS rule_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		reason TEXT NOT NULL,
		body TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rule_history_id ON rule_history(id, seq);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) prepareStatements() error {
	var err error

	b.saveStmt, err = b.db.Prepare(`
		INSERT INTO rules (id, parent, version, lamport, deleted, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent = excluded.parent,
			version = excluded.version,
			lamport = excluded.lamport,
			deleted = excluded.deleted,
			body = excluded.body,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}

	b.loadAllStmt, err = b.db.Prepare(`SELECT body FROM rules ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to prepare load statement: %w", err)
	}

	b.appendStmt, err = b.db.Prepare(`
		INSERT INTO rule_history (id, version, reason, body, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert statement: %w", err)
	}

	b.trimStmt, err = b.db.Prepare(`
		DELETE FROM rule_history
		WHERE id = ? AND seq NOT IN (
			SELECT seq FROM rule_history WHERE id = ? ORDER BY seq DESC LIMIT ?
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history trim statement: %w", err)
	}

	b.historyStmt, err = b.db.Prepare(`
		SELECT reason, body, recorded_at FROM rule_history
		WHERE id = ? ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history statement: %w", err)
	}

	return nil
}

// LoadAll implements Backend.
func (b *SQLiteBackend) LoadAll(ctx context.Context) ([]*rule.Rule, error) {
	rows, err := b.loadAllStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []*rule.Rule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r rule.Rule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, r *rule.Rule) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	_, err = b.saveStmt.ExecContext(ctx,
		r.ID,
		r.Parent,
		r.Version,
		r.Timestamp,
		r.Deleted,
		string(body),
		r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// AppendHistory implements Backend.
func (b *SQLiteBackend) AppendHistory(ctx context.Context, entry HistoryEntry, keep int) error {
	body, err := json.Marshal(entry.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, b.appendStmt).ExecContext(ctx,
		entry.Rule.ID, entry.Rule.Version, string(entry.Reason), string(body), entry.RecordedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if keep > 0 {
		if _, err := tx.StmtContext(ctx, b.trimStmt).ExecContext(ctx, entry.Rule.ID, entry.Rule.ID, keep); err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}
	return tx.Commit()
}

// History implements Backend.
func (b *SQLiteBackend) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := b.historyStmt.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			reason     string
			body       string
			recordedAt int64
		)
		if err := rows.Scan(&reason, &body, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		var r rule.Rule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		out = append(out, HistoryEntry{
			Rule:       &r,
			Reason:     HistoryReason(reason),
			RecordedAt: time.Unix(0, recordedAt),
		})
	}
	return out, rows.Err()
}

// Close stops the checkpoint loop, checkpoints the WAL and closes the database.
func (b *SQLiteBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)

		for _, stmt := range []*sql.Stmt{b.saveStmt, b.loadAllStmt, b.historyStmt, b.appendStmt, b.trimStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		_, _ = b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		err = b.db.Close()
	})
	return err
}

func (b *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(b.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = b.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-b.done:
			return
		}
	}
}

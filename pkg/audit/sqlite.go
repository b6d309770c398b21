package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig contains configuration for the SQLite sink.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode bool

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration

	Logger *slog.Logger
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/audit.db",
		MaxOpenConns: 4,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteSink stores audit records in a SQLite database.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteSink opens (creating if needed) the database at config.Path.
func NewSQLiteSink(config *SQLiteConfig) (*SQLiteSink, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 4
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit.sqlite")

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, newStorageError("sqlite", "mkdir", err)
		}
	}
	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, newStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)

	s := &SQLiteSink{db: db, config: config, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.insert, err = db.Prepare(insertRecord)
	if err != nil {
		db.Close()
		return nil, newStorageError("sqlite", "prepare", err)
	}

	logger.Info("audit sink initialized", "path", config.Path, "wal_mode", config.WALMode)
	return s, nil
}

func (s *SQLiteSink) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return newStorageError("sqlite", "enable_wal", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())); err != nil {
		return newStorageError("sqlite", "set_busy_timeout", err)
	}
	if _, err := s.db.Exec(Schema); err != nil {
		return newStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(insertSchemaVersion, SchemaVersion); err != nil {
		return newStorageError("sqlite", "insert_schema_version", err)
	}
	var version sql.NullInt64
	if err := s.db.QueryRow(getSchemaVersion).Scan(&version); err != nil {
		return newStorageError("sqlite", "get_schema_version", err)
	}
	if version.Int64 != SchemaVersion {
		return newStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version.Int64))
	}
	return nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, rec *Record) error {
	ruleIDs, err := json.Marshal(rec.RuleIDs)
	if err != nil {
		return newStorageError("sqlite", "append", err)
	}
	var detail []byte
	if len(rec.Detail) > 0 {
		if detail, err = json.Marshal(rec.Detail); err != nil {
			return newStorageError("sqlite", "append", err)
		}
	}
	_, err = s.insert.ExecContext(ctx,
		rec.ID, string(rec.Kind), rec.RuleID, string(ruleIDs), rec.Version, rec.Timestamp,
		rec.Node, rec.Origin, rec.Peer, rec.Remote, string(detail), rec.RecordedAt.UnixNano(),
	)
	if err != nil {
		return newStorageError("sqlite", "append", err)
	}
	return nil
}

// Query implements Sink.
func (s *SQLiteSink) Query(ctx context.Context, q Query) ([]*Record, error) {
	where, args := buildWhere(q)
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := "SELECT " + selectColumns + " FROM audit_records" + where +
		fmt.Sprintf(" ORDER BY recorded_at %s, lamport %s LIMIT %d", order, order, q.limit())
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, newStorageError("sqlite", "scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}
	return out, nil
}

// Count implements Sink.
func (s *SQLiteSink) Count(ctx context.Context, q Query) (int64, error) {
	where, args := buildWhere(q)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&n); err != nil {
		return 0, newStorageError("sqlite", "count", err)
	}
	return n, nil
}

// Prune implements Sink.
func (s *SQLiteSink) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE recorded_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, newStorageError("sqlite", "prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError("sqlite", "prune", err)
	}
	if n > 0 {
		s.logger.Info("pruned audit records", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	s.insert.Close()
	if err := s.db.Close(); err != nil {
		return newStorageError("sqlite", "close", err)
	}
	s.logger.Info("audit sink closed")
	return nil
}

func buildWhere(q Query) (string, []any) {
	var conds []string
	var args []any
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.RuleID != "" {
		conds = append(conds, "(rule_id = ? OR rule_ids LIKE ?)")
		args = append(args, q.RuleID, `%"`+q.RuleID+`"%`)
	}
	if q.Node != "" {
		conds = append(conds, "node = ?")
		args = append(args, q.Node)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "recorded_at <= ?")
		args = append(args, q.Until.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec                  Record
		kind                 string
		ruleID, ruleIDs      sql.NullString
		origin, peer, detail sql.NullString
		recordedAt           int64
	)
	err := rows.Scan(&rec.ID, &kind, &ruleID, &ruleIDs, &rec.Version, &rec.Timestamp,
		&rec.Node, &origin, &peer, &rec.Remote, &detail, &recordedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.RuleID = ruleID.String
	rec.Origin = origin.String
	rec.Peer = peer.String
	rec.RecordedAt = time.Unix(0, recordedAt).UTC()
	if ruleIDs.String != "" && ruleIDs.String != "null" {
		if err := json.Unmarshal([]byte(ruleIDs.String), &rec.RuleIDs); err != nil {
			return nil, fmt.Errorf("decode rule_ids of %s: %w", rec.ID, err)
		}
	}
	if detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &rec.Detail); err != nil {
			return nil, fmt.Errorf("decode detail of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

package audit

// SchemaVersion is the current audit database schema version.
const SchemaVersion = 1

// Schema creates the audit tables.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    rule_id TEXT,
    rule_ids TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    lamport INTEGER NOT NULL DEFAULT 0,
    node TEXT NOT NULL,
    origin TEXT,
    peer TEXT,
    remote BOOLEAN NOT NULL DEFAULT 0,
    detail TEXT,
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_records(kind);
CREATE INDEX IF NOT EXISTS idx_audit_rule ON audit_records(rule_id);
CREATE INDEX IF NOT EXISTS idx_audit_recorded ON audit_records(recorded_at, lamport);

CREATE TABLE IF NOT EXISTS audit_schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const insertSchemaVersion = `INSERT OR IGNORE INTO audit_schema_version (version) VALUES (?)`

const getSchemaVersion = `SELECT MAX(version) FROM audit_schema_version`

const insertRecord = `
INSERT INTO audit_records (
    id, kind, rule_id, rule_ids, version, lamport,
    node, origin, peer, remote, detail, recorded_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectColumns = `id, kind, rule_id, rule_ids, version, lamport, node, origin, peer, remote, detail, recorded_at`

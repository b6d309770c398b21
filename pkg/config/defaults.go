package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values for configuration fields.
const (
	// Node defaults
	DefaultNodeID  = "concord"
	DefaultDataDir = "data"

	// Server defaults
	DefaultListenAddress   = "127.0.0.1:7400"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultTLSMinVersion   = "1.3"
	DefaultTLSClientAuth   = "require"

	// Store defaults
	DefaultStoreBackend           = "memory"
	DefaultStoreSQLiteFile        = "rules.db"
	DefaultStoreSQLiteBusyTimeout = 5 * time.Second
	DefaultStoreMaxHistory        = 20

	// Cache defaults
	DefaultCacheMaxEntries = 10000
	DefaultCacheTTLSeconds = 300
	DefaultCacheEviction   = "lru"

	// Engine defaults
	DefaultEngineStrategy  = "highest_priority"
	DefaultEngineMinQuorum = 2
	DefaultConflictLogSize = 10000

	// Replication defaults
	DefaultRoutineSchedule   = "@every 30s"
	DefaultReconnectSchedule = "@every 1m"
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultTransferTimeout   = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultBackoffInitial    = 200 * time.Millisecond
	DefaultBackoffMax        = 10 * time.Second
	DefaultQueueSize         = 64
	DefaultJournalBackend    = "memory"
	DefaultJournalDir        = "journal"

	// Override defaults
	DefaultSweepSchedule = "@every 1m"

	// Rule source defaults
	DefaultRulesDebounce   = 200 * time.Millisecond
	DefaultGitBranch       = "main"
	DefaultGitDir          = "rules-repo"
	DefaultGitPollSchedule = "@every 5m"
	DefaultGitTimeout      = 30 * time.Second

	// Audit defaults
	DefaultAuditBackend       = "memory"
	DefaultAuditSQLiteFile    = "audit.db"
	DefaultAuditBufferSize    = 1000
	DefaultAuditWriteTimeout  = 5 * time.Second
	DefaultAuditPruneSchedule = "0 3 * * *"

	// Notify defaults
	DefaultNotifyTimeout = 5 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsNamespace   = "concord"
	DefaultMetricsPath        = "/metrics"
	DefaultTracingExporter    = "otlp"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingServiceName = "concord"
	DefaultLoggingRedact      = true
	DefaultMetricsEnabled     = true
	DefaultNotifyLog          = true
	DefaultTracingEnabled     = false
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := base()
	ApplyDefaults(cfg)
	return cfg
}

// base holds the defaults of boolean fields that are on unless switched
// off. Files are decoded on top of it.
func base() *Config {
	cfg := &Config{}
	cfg.Notify.Log = DefaultNotifyLog
	cfg.Telemetry.Logging.Redact = DefaultLoggingRedact
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Enabled = DefaultTracingEnabled
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults. Relative
// storage paths that were left empty are placed under node.data_dir.
func ApplyDefaults(cfg *Config) {
	// Node defaults
	if cfg.Node.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Node.ID = host
		} else {
			cfg.Node.ID = DefaultNodeID
		}
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = DefaultDataDir
	}

	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = DefaultTLSMinVersion
	}
	if cfg.Server.TLS.ClientCAFile != "" && cfg.Server.TLS.ClientAuth == "" {
		cfg.Server.TLS.ClientAuth = DefaultTLSClientAuth
	}

	// Store defaults
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = DefaultStoreBackend
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = filepath.Join(cfg.Node.DataDir, DefaultStoreSQLiteFile)
	}
	if cfg.Store.SQLite.BusyTimeout == 0 {
		cfg.Store.SQLite.BusyTimeout = DefaultStoreSQLiteBusyTimeout
	}
	if cfg.Store.MaxHistory == 0 {
		cfg.Store.MaxHistory = DefaultStoreMaxHistory
	}

	// Cache defaults
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = DefaultCacheTTLSeconds
	}
	if cfg.Cache.Eviction == "" {
		cfg.Cache.Eviction = DefaultCacheEviction
	}

	// Engine defaults
	if cfg.Engine.DefaultStrategy == "" {
		cfg.Engine.DefaultStrategy = DefaultEngineStrategy
	}
	if cfg.Engine.MinQuorum == 0 {
		cfg.Engine.MinQuorum = DefaultEngineMinQuorum
	}
	if cfg.Engine.ConflictLogSize == 0 {
		cfg.Engine.ConflictLogSize = DefaultConflictLogSize
	}

	// Replication defaults
	r := &cfg.Replication
	if r.RoutineSchedule == "" {
		r.RoutineSchedule = DefaultRoutineSchedule
	}
	if r.ReconnectSchedule == "" {
		r.ReconnectSchedule = DefaultReconnectSchedule
	}
	if r.HandshakeTimeout == 0 {
		r.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if r.TransferTimeout == 0 {
		r.TransferTimeout = DefaultTransferTimeout
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.BackoffInitial == 0 {
		r.BackoffInitial = DefaultBackoffInitial
	}
	if r.BackoffMax == 0 {
		r.BackoffMax = DefaultBackoffMax
	}
	if r.QueueSize == 0 {
		r.QueueSize = DefaultQueueSize
	}
	if r.Journal.Backend == "" {
		r.Journal.Backend = DefaultJournalBackend
	}
	if r.Journal.Path == "" {
		r.Journal.Path = filepath.Join(cfg.Node.DataDir, DefaultJournalDir)
	}

	// Override defaults
	if cfg.Overrides.SweepSchedule == "" {
		cfg.Overrides.SweepSchedule = DefaultSweepSchedule
	}

	// Rule source defaults
	if cfg.Rules.Debounce == 0 {
		cfg.Rules.Debounce = DefaultRulesDebounce
	}
	if cfg.Rules.Git.Branch == "" {
		cfg.Rules.Git.Branch = DefaultGitBranch
	}
	if cfg.Rules.Git.LocalPath == "" {
		cfg.Rules.Git.LocalPath = filepath.Join(cfg.Node.DataDir, DefaultGitDir)
	}
	if cfg.Rules.Git.PollSchedule == "" {
		cfg.Rules.Git.PollSchedule = DefaultGitPollSchedule
	}
	if cfg.Rules.Git.Timeout == 0 {
		cfg.Rules.Git.Timeout = DefaultGitTimeout
	}

	// Audit defaults
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = DefaultAuditBackend
	}
	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = filepath.Join(cfg.Node.DataDir, DefaultAuditSQLiteFile)
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = DefaultAuditBufferSize
	}
	if cfg.Audit.WriteTimeout == 0 {
		cfg.Audit.WriteTimeout = DefaultAuditWriteTimeout
	}
	if cfg.Audit.PruneSchedule == "" {
		cfg.Audit.PruneSchedule = DefaultAuditPruneSchedule
	}

	// Notify defaults
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = DefaultNotifyTimeout
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if len(cfg.Telemetry.Metrics.EvaluationBuckets) == 0 {
		cfg.Telemetry.Metrics.EvaluationBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}
	}
	t := &cfg.Telemetry.Tracing
	if t.Exporter == "" {
		t.Exporter = DefaultTracingExporter
	}
	if t.Endpoint == "" {
		t.Endpoint = DefaultTracingEndpoint
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultTracingTimeout
	}
	if t.Sampler == "" {
		t.Sampler = DefaultTracingSampler
	}
	if t.SampleRatio == 0 {
		t.SampleRatio = DefaultTracingSampleRatio
	}
	if t.ServiceName == "" {
		t.ServiceName = DefaultTracingServiceName
	}
}

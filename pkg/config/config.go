package config

import "time"

// Config is the root configuration structure for a concord node.
type Config struct {
	// Node identifies this node and where it keeps local state.
	Node NodeConfig `yaml:"node"`

	// Server contains the HTTP listener that serves replication, status,
	// health and metrics endpoints.
	Server ServerConfig `yaml:"server"`

	// Store selects where rule rows are persisted.
	Store StoreConfig `yaml:"store"`

	// Cache bounds the evaluation result cache.
	Cache CacheConfig `yaml:"cache"`

	// Engine contains conflict resolution defaults.
	Engine EngineConfig `yaml:"engine"`

	// Replication contains peer synchronization settings.
	Replication ReplicationConfig `yaml:"replication"`

	// Overrides contains override expiry settings.
	Overrides OverridesConfig `yaml:"overrides"`

	// Rules contains the rule bundle source: a local path, optionally
	// watched, optionally backed by a git repository.
	Rules RulesConfig `yaml:"rules"`

	// Audit contains the audit trail sink and recorder settings.
	Audit AuditConfig `yaml:"audit"`

	// Notify contains operator notification channels.
	Notify NotifyConfig `yaml:"notify"`

	// Telemetry contains configuration for observability including logging,
	// metrics, and distributed tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	// ID is the node id stamped into version vectors and audit records.
	// Default: the host name
	ID string `yaml:"id"`

	// DataDir is the base directory for relative storage paths.
	// Default: "data"
	DataDir string `yaml:"data_dir"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddress is the host:port to bind.
	// Default: "127.0.0.1:7400"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading an entire request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out a response.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle limit.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS serves the listener over TLS, optionally requiring peer client
	// certificates.
	TLS TLSConfig `yaml:"tls"`

	// Auth guards the operator API. Replication, health and metrics
	// endpoints are not covered.
	Auth AuthConfig `yaml:"auth"`
}

// TLSConfig configures the server side of TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MinVersion is "1.2" or "1.3".
	// Default: "1.3"
	MinVersion string `yaml:"min_version"`

	// ClientCAFile enables client certificate verification against the
	// given CA bundle.
	ClientCAFile string `yaml:"client_ca_file"`

	// ClientAuth is "require", "request" or "verify_if_given".
	// Default: "require" when client_ca_file is set
	ClientAuth string `yaml:"client_auth"`

	// Reload re-reads the certificate when its files change on disk.
	Reload bool `yaml:"reload"`
}

// ClientTLSConfig configures outbound TLS to peers.
type ClientTLSConfig struct {
	// CAFile verifies peer certificates. Default: the system pool
	CAFile string `yaml:"ca_file"`

	// CertFile and KeyFile present a client certificate to peers that
	// require one.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	ServerName string `yaml:"server_name"`
}

// Enabled reports whether any outbound TLS setting is present.
func (c ClientTLSConfig) Enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.KeyFile != "" || c.ServerName != ""
}

// AuthConfig lists the bearer tokens accepted by the operator API. An empty
// list leaves the API open.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig binds a bearer token to the operator it identifies.
type TokenConfig struct {
	Operator string `yaml:"operator"`
	Token    string `yaml:"token"`
}

// StoreConfig selects the rule store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	// Default: "memory"
	Backend string `yaml:"backend"`

	SQLite StoreSQLiteConfig `yaml:"sqlite"`

	// MaxHistory bounds superseded versions kept per rule. Zero keeps all.
	// Default: 20
	MaxHistory int `yaml:"max_history"`
}

// StoreSQLiteConfig configures the SQLite rule store.
type StoreSQLiteConfig struct {
	// Path is the database file. Default: <data_dir>/rules.db
	Path string `yaml:"path"`

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// CacheConfig bounds the evaluation cache.
type CacheConfig struct {
	// MaxEntries bounds memory. Zero disables caching.
	// Default: 10000
	MaxEntries int `yaml:"max_entries"`

	// TTLSeconds bounds staleness. Zero keeps entries until evicted.
	// Default: 300
	TTLSeconds int `yaml:"ttl_seconds"`

	// Eviction names the eviction policy. Only "lru" is supported.
	Eviction string `yaml:"eviction"`
}

// TTL returns TTLSeconds as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// EngineConfig configures conflict resolution.
type EngineConfig struct {
	// DefaultStrategy applies to rules that name none.
	// Default: "highest_priority"
	DefaultStrategy string `yaml:"default_strategy"`

	// MinQuorum is the floor of the consensus threshold.
	// Default: 2
	MinQuorum int `yaml:"min_quorum"`

	// ConflictLogSize bounds the conflict records kept in memory.
	// Default: 10000
	ConflictLogSize int `yaml:"conflict_log_size"`
}

// ReplicationConfig configures peer synchronization.
type ReplicationConfig struct {
	Enabled bool `yaml:"enabled"`

	Peers []PeerConfig `yaml:"peers"`

	// RoutineSchedule is the cron schedule of routine sync cycles.
	// Default: "@every 30s"
	RoutineSchedule string `yaml:"routine_schedule"`

	// ReconnectSchedule is the cron schedule on which degraded peers are
	// retried with a fresh handshake.
	// Default: "@every 1m"
	ReconnectSchedule string `yaml:"reconnect_schedule"`

	// HandshakeTimeout bounds one handshake attempt.
	// Default: 5s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// TransferTimeout bounds one digest, fetch or push attempt.
	// Default: 30s
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	// MaxAttempts bounds retries before a peer is marked degraded.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// Default: 200ms
	BackoffInitial time.Duration `yaml:"backoff_initial"`

	// Default: 10s
	BackoffMax time.Duration `yaml:"backoff_max"`

	// QueueSize bounds each peer's inbound queue.
	// Default: 64
	QueueSize int `yaml:"queue_size"`

	// PreferredNode wins concurrent edits it originated.
	PreferredNode string `yaml:"preferred_node"`

	// Compression enables zstd for large message bodies.
	Compression bool `yaml:"compression"`

	// AutoEmergency pushes local mutations of CRITICAL rules immediately.
	AutoEmergency bool `yaml:"auto_emergency"`

	Journal JournalConfig `yaml:"journal"`

	// TLS configures the client side of https peer addresses.
	TLS ClientTLSConfig `yaml:"tls"`
}

// PeerConfig names a remote node.
type PeerConfig struct {
	Name string `yaml:"name"`

	// Address is the peer's base URL, e.g. "http://node-b:7400".
	Address string `yaml:"address"`
}

// JournalConfig selects where per-peer sync state is kept.
type JournalConfig struct {
	// Backend is "memory" or "badger".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Path is the badger directory. Default: <data_dir>/journal
	Path string `yaml:"path"`
}

// OverridesConfig configures override expiry.
type OverridesConfig struct {
	// SweepSchedule is the cron schedule on which expired overrides are
	// deleted.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`
}

// RulesConfig configures where rule bundles come from.
type RulesConfig struct {
	// Path is a bundle file or directory. With Git set, Path is ignored
	// and bundles are read from the clone.
	Path string `yaml:"path"`

	// Watch reloads bundles when files under Path change.
	Watch bool `yaml:"watch"`

	// Debounce is the quiet period after the last change before a reload.
	// Default: 200ms
	Debounce time.Duration `yaml:"debounce"`

	Git GitConfig `yaml:"git"`
}

// GitConfig configures a git-hosted rule repository.
type GitConfig struct {
	// URL enables the git source when set.
	URL string `yaml:"url"`

	// Default: "main"
	Branch string `yaml:"branch"`

	// Path is the bundle directory inside the repository.
	Path string `yaml:"path"`

	// LocalPath is where the repository is cloned.
	// Default: <data_dir>/rules-repo
	LocalPath string `yaml:"local_path"`

	Token      string `yaml:"token"`
	SSHKeyPath string `yaml:"ssh_key_path"`

	// PollSchedule is the cron schedule of pulls.
	// Default: "@every 5m"
	PollSchedule string `yaml:"poll_schedule"`

	// Timeout bounds each clone or pull.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether a repository is configured.
func (g GitConfig) Enabled() bool {
	return g.URL != ""
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Backend is "memory" or "sqlite".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// SQLitePath is the database file. Default: <data_dir>/audit.db
	SQLitePath string `yaml:"sqlite_path"`

	// BufferSize is the async recorder buffer.
	// Default: 1000
	BufferSize int `yaml:"buffer_size"`

	// WriteTimeout bounds each sink write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RetentionDays prunes older records. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is the cron schedule of retention pruning.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	// Log announces events through the process logger.
	// Default: true
	Log bool `yaml:"log"`

	Webhooks []WebhookConfig `yaml:"webhooks"`

	// Timeout bounds each webhook delivery attempt.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig is one webhook destination.
type WebhookConfig struct {
	URL string `yaml:"url"`

	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string `yaml:"headers"`

	// MinSeverity drops events below it: info, warning or critical.
	MinSeverity string `yaml:"min_severity"`
}

// TelemetryConfig contains configuration for observability features.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line in every record.
	AddSource bool `yaml:"add_source"`

	// Redact masks credential-like values in log output.
	// Default: true
	Redact bool `yaml:"redact"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	// Default: "concord"
	Namespace string `yaml:"namespace"`

	Subsystem string `yaml:"subsystem"`

	// Path is the scrape endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// EvaluationBuckets are the evaluation latency histogram buckets in
	// seconds.
	EvaluationBuckets []float64 `yaml:"evaluation_buckets"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is "otlp".
	// Default: "otlp"
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Sampler is "always", "never" or "ratio".
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio applies to the ratio sampler.
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Default: "concord"
	ServiceName string `yaml:"service_name"`
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONCORD_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention CONCORD_SECTION_FIELD (e.g., CONCORD_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply environment variable overrides
// 3. Apply default values
// 4. Validate final configuration
//
// An empty path skips step 1.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg := base()
	if path != "" {
		var err error
		if cfg, err = parseFile(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := base()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// envReader collects parse failures while reading overrides so they are
// reported together.
type envReader struct {
	errs []FieldError
}

func (r *envReader) str(name string, dst *string) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		*dst = val
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		r.fail(name, val, "a boolean")
		return
	}
	*dst = b
}

func (r *envReader) integer(name string, dst *int) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		r.fail(name, val, "an integer")
		return
	}
	*dst = n
}

func (r *envReader) float(name string, dst *float64) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		r.fail(name, val, "a number")
		return
	}
	*dst = f
}

func (r *envReader) duration(name string, dst *time.Duration) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		r.fail(name, val, "a duration")
		return
	}
	*dst = d
}

// peers parses "name=address,name=address".
func (r *envReader) peers(name string, dst *[]PeerConfig) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return
	}
	var out []PeerConfig
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n, addr, found := strings.Cut(item, "=")
		if !found || n == "" || addr == "" {
			r.fail(name, val, "a list of name=address pairs")
			return
		}
		out = append(out, PeerConfig{Name: strings.TrimSpace(n), Address: strings.TrimSpace(addr)})
	}
	*dst = out
}

func (r *envReader) fail(name, val, want string) {
	r.errs = append(r.errs, FieldError{
		Field:   EnvPrefix + name,
		Message: fmt.Sprintf("%q is not %s", val, want),
	})
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables use the format CONCORD_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) error {
	r := &envReader{}

	// Node overrides
	r.str("NODE_ID", &cfg.Node.ID)
	r.str("NODE_DATA_DIR", &cfg.Node.DataDir)

	// Server overrides
	r.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	r.duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	r.duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	r.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	r.boolean("SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	r.str("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	r.str("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	r.str("SERVER_TLS_CLIENT_CA_FILE", &cfg.Server.TLS.ClientCAFile)
	if val := os.Getenv(EnvPrefix + "SERVER_AUTH_TOKEN"); val != "" {
		cfg.Server.Auth.Tokens = append(cfg.Server.Auth.Tokens, TokenConfig{Operator: "env", Token: val})
	}

	// Store overrides
	r.str("STORE_BACKEND", &cfg.Store.Backend)
	r.str("STORE_SQLITE_PATH", &cfg.Store.SQLite.Path)
	r.integer("STORE_MAX_HISTORY", &cfg.Store.MaxHistory)

	// Cache overrides
	r.integer("CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	r.integer("CACHE_TTL_SECONDS", &cfg.Cache.TTLSeconds)

	// Engine overrides
	r.str("ENGINE_DEFAULT_STRATEGY", &cfg.Engine.DefaultStrategy)
	r.integer("ENGINE_MIN_QUORUM", &cfg.Engine.MinQuorum)
	r.integer("ENGINE_CONFLICT_LOG_SIZE", &cfg.Engine.ConflictLogSize)

	// Replication overrides
	r.boolean("REPLICATION_ENABLED", &cfg.Replication.Enabled)
	r.peers("REPLICATION_PEERS", &cfg.Replication.Peers)
	r.str("REPLICATION_ROUTINE_SCHEDULE", &cfg.Replication.RoutineSchedule)
	r.str("REPLICATION_RECONNECT_SCHEDULE", &cfg.Replication.ReconnectSchedule)
	r.duration("REPLICATION_HANDSHAKE_TIMEOUT", &cfg.Replication.HandshakeTimeout)
	r.duration("REPLICATION_TRANSFER_TIMEOUT", &cfg.Replication.TransferTimeout)
	r.integer("REPLICATION_MAX_ATTEMPTS", &cfg.Replication.MaxAttempts)
	r.integer("REPLICATION_QUEUE_SIZE", &cfg.Replication.QueueSize)
	r.str("REPLICATION_PREFERRED_NODE", &cfg.Replication.PreferredNode)
	r.boolean("REPLICATION_COMPRESSION", &cfg.Replication.Compression)
	r.boolean("REPLICATION_AUTO_EMERGENCY", &cfg.Replication.AutoEmergency)
	r.str("REPLICATION_JOURNAL_BACKEND", &cfg.Replication.Journal.Backend)
	r.str("REPLICATION_JOURNAL_PATH", &cfg.Replication.Journal.Path)
	r.str("REPLICATION_TLS_CA_FILE", &cfg.Replication.TLS.CAFile)
	r.str("REPLICATION_TLS_CERT_FILE", &cfg.Replication.TLS.CertFile)
	r.str("REPLICATION_TLS_KEY_FILE", &cfg.Replication.TLS.KeyFile)

	// Override overrides
	r.str("OVERRIDES_SWEEP_SCHEDULE", &cfg.Overrides.SweepSchedule)

	// Rule source overrides
	r.str("RULES_PATH", &cfg.Rules.Path)
	r.boolean("RULES_WATCH", &cfg.Rules.Watch)
	r.duration("RULES_DEBOUNCE", &cfg.Rules.Debounce)
	r.str("RULES_GIT_URL", &cfg.Rules.Git.URL)
	r.str("RULES_GIT_BRANCH", &cfg.Rules.Git.Branch)
	r.str("RULES_GIT_PATH", &cfg.Rules.Git.Path)
	r.str("RULES_GIT_TOKEN", &cfg.Rules.Git.Token)
	r.str("RULES_GIT_SSH_KEY_PATH", &cfg.Rules.Git.SSHKeyPath)
	r.str("RULES_GIT_POLL_SCHEDULE", &cfg.Rules.Git.PollSchedule)

	// Audit overrides
	r.str("AUDIT_BACKEND", &cfg.Audit.Backend)
	r.str("AUDIT_SQLITE_PATH", &cfg.Audit.SQLitePath)
	r.integer("AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)

	// Notify overrides
	r.boolean("NOTIFY_LOG", &cfg.Notify.Log)
	if val := os.Getenv(EnvPrefix + "NOTIFY_WEBHOOK_URL"); val != "" {
		cfg.Notify.Webhooks = append(cfg.Notify.Webhooks, WebhookConfig{URL: val})
	}

	// Telemetry overrides
	r.str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	r.str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	r.boolean("TELEMETRY_LOGGING_REDACT", &cfg.Telemetry.Logging.Redact)
	r.boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	r.str("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	r.boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	r.str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	r.boolean("TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)
	r.str("TELEMETRY_TRACING_SAMPLER", &cfg.Telemetry.Tracing.Sampler)
	r.float("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)

	if len(r.errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", ValidationError{Errors: r.errs})
	}
	return nil
}

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Has reports whether field has an error.
func (e ValidationError) Has(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateNode(&cfg.Node)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateReplication(&cfg.Replication, cfg.Node.ID)...)
	errs = append(errs, validateSchedule("overrides.sweep_schedule", cfg.Overrides.SweepSchedule)...)
	errs = append(errs, validateRules(&cfg.Rules)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateNotify(&cfg.Notify)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateNode(cfg *NodeConfig) []FieldError {
	var errs []FieldError
	if cfg.ID == "" {
		errs = append(errs, FieldError{Field: "node.id", Message: "node id is required"})
	} else if strings.ContainsAny(cfg.ID, " /\t\n") {
		errs = append(errs, FieldError{
			Field:   "node.id",
			Message: fmt.Sprintf("invalid node id %q: must not contain whitespace or '/'", cfg.ID),
		})
	}
	return errs
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.idle_timeout",
			Message: "idle timeout must be positive",
		})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.shutdown_timeout",
			Message: "shutdown timeout must be positive",
		})
	}

	errs = append(errs, validateServerTLS(&cfg.TLS)...)

	seen := make(map[string]bool)
	for i, tok := range cfg.Auth.Tokens {
		field := fmt.Sprintf("server.auth.tokens[%d]", i)
		if tok.Operator == "" {
			errs = append(errs, FieldError{Field: field + ".operator", Message: "operator is required"})
		}
		switch {
		case tok.Token == "":
			errs = append(errs, FieldError{Field: field + ".token", Message: "token is required"})
		case len(tok.Token) < 16:
			errs = append(errs, FieldError{Field: field + ".token", Message: "token must be at least 16 characters"})
		case seen[tok.Token]:
			errs = append(errs, FieldError{Field: field + ".token", Message: "duplicate token"})
		}
		seen[tok.Token] = true
	}

	return errs
}

func validateServerTLS(cfg *TLSConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if cfg.CertFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.cert_file", Message: "cert file is required when TLS is enabled"})
	}
	if cfg.KeyFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.key_file", Message: "key file is required when TLS is enabled"})
	}
	switch cfg.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, FieldError{
			Field:   "server.tls.min_version",
			Message: fmt.Sprintf("invalid TLS version %q: must be 1.2 or 1.3", cfg.MinVersion),
		})
	}
	switch cfg.ClientAuth {
	case "", "require", "request", "verify_if_given":
	default:
		errs = append(errs, FieldError{
			Field:   "server.tls.client_auth",
			Message: fmt.Sprintf("invalid client auth %q: must be require, request or verify_if_given", cfg.ClientAuth),
		})
	}
	if cfg.ClientAuth != "" && cfg.ClientCAFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.client_ca_file", Message: "client CA file is required for client auth"})
	}
	return errs
}

func validateStore(cfg *StoreConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "store.sqlite.path",
				Message: "SQLite path is required when backend is 'sqlite'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "store.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'sqlite'", cfg.Backend),
		})
	}
	if cfg.SQLite.BusyTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "store.sqlite.busy_timeout",
			Message: "busy timeout must be positive",
		})
	}
	if cfg.MaxHistory < 0 {
		errs = append(errs, FieldError{
			Field:   "store.max_history",
			Message: "max history must be non-negative",
		})
	}

	return errs
}

func validateCache(cfg *CacheConfig) []FieldError {
	var errs []FieldError
	if cfg.MaxEntries < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.max_entries",
			Message: "max entries must be non-negative",
		})
	}
	if cfg.TTLSeconds < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.ttl_seconds",
			Message: "ttl must be non-negative",
		})
	}
	if cfg.Eviction != "lru" {
		errs = append(errs, FieldError{
			Field:   "cache.eviction",
			Message: fmt.Sprintf("invalid eviction policy %q: must be 'lru'", cfg.Eviction),
		})
	}
	return errs
}

var validStrategies = map[string]bool{
	"override":         true,
	"consensus":        true,
	"highest_priority": true,
	"most_specific":    true,
	"latest_created":   true,
}

func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError
	if !validStrategies[cfg.DefaultStrategy] {
		errs = append(errs, FieldError{
			Field: "engine.default_strategy",
			Message: fmt.Sprintf("invalid strategy %q: must be 'override', 'consensus', "+
				"'highest_priority', 'most_specific', or 'latest_created'", cfg.DefaultStrategy),
		})
	}
	if cfg.MinQuorum < 1 {
		errs = append(errs, FieldError{
			Field:   "engine.min_quorum",
			Message: "min quorum must be at least 1",
		})
	}
	if cfg.ConflictLogSize < 1 {
		errs = append(errs, FieldError{
			Field:   "engine.conflict_log_size",
			Message: "conflict log size must be at least 1",
		})
	}
	return errs
}

func validateReplication(cfg *ReplicationConfig, node string) []FieldError {
	var errs []FieldError

	seen := make(map[string]bool, len(cfg.Peers))
	for i, p := range cfg.Peers {
		prefix := fmt.Sprintf("replication.peers[%d]", i)
		if p.Name == "" {
			errs = append(errs, FieldError{Field: prefix + ".name", Message: "peer name is required"})
		} else if p.Name == node {
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("peer %q has this node's id", p.Name),
			})
		} else if seen[p.Name] {
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate peer %q", p.Name),
			})
		}
		seen[p.Name] = true
		if err := validateURL(p.Address); err != nil {
			errs = append(errs, FieldError{Field: prefix + ".address", Message: err.Error()})
		}
	}
	if cfg.Enabled && len(cfg.Peers) == 0 {
		errs = append(errs, FieldError{
			Field:   "replication.peers",
			Message: "at least one peer is required when replication is enabled",
		})
	}

	errs = append(errs, validateSchedule("replication.routine_schedule", cfg.RoutineSchedule)...)
	errs = append(errs, validateSchedule("replication.reconnect_schedule", cfg.ReconnectSchedule)...)

	if cfg.HandshakeTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "replication.handshake_timeout",
			Message: "handshake timeout must be positive",
		})
	}
	if cfg.TransferTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "replication.transfer_timeout",
			Message: "transfer timeout must be positive",
		})
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs = append(errs, FieldError{
			Field:   "replication.tls",
			Message: "cert_file and key_file must be set together",
		})
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, FieldError{
			Field:   "replication.max_attempts",
			Message: "max attempts must be at least 1",
		})
	}
	if cfg.BackoffInitial < 0 {
		errs = append(errs, FieldError{
			Field:   "replication.backoff_initial",
			Message: "backoff must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, FieldError{
			Field:   "replication.backoff_max",
			Message: "backoff max must not be below backoff initial",
		})
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, FieldError{
			Field:   "replication.queue_size",
			Message: "queue size must be at least 1",
		})
	}

	switch cfg.Journal.Backend {
	case "memory":
	case "badger":
		if cfg.Journal.Path == "" {
			errs = append(errs, FieldError{
				Field:   "replication.journal.path",
				Message: "journal path is required when backend is 'badger'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "replication.journal.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'badger'", cfg.Journal.Backend),
		})
	}

	return errs
}

func validateRules(cfg *RulesConfig) []FieldError {
	var errs []FieldError
	if cfg.Watch && cfg.Path == "" && !cfg.Git.Enabled() {
		errs = append(errs, FieldError{
			Field:   "rules.path",
			Message: "rules path is required when watch is enabled",
		})
	}
	if cfg.Debounce < 0 {
		errs = append(errs, FieldError{
			Field:   "rules.debounce",
			Message: "debounce must be positive",
		})
	}
	if cfg.Git.Enabled() {
		if cfg.Git.LocalPath == "" {
			errs = append(errs, FieldError{
				Field:   "rules.git.local_path",
				Message: "local path is required when a repository is configured",
			})
		}
		if cfg.Git.Token != "" && cfg.Git.SSHKeyPath != "" {
			errs = append(errs, FieldError{
				Field:   "rules.git.token",
				Message: "token and ssh_key_path are mutually exclusive",
			})
		}
		errs = append(errs, validateSchedule("rules.git.poll_schedule", cfg.Git.PollSchedule)...)
	}
	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLitePath == "" {
			errs = append(errs, FieldError{
				Field:   "audit.sqlite_path",
				Message: "SQLite path is required when backend is 'sqlite'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "audit.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'sqlite'", cfg.Backend),
		})
	}
	if cfg.BufferSize < 0 {
		errs = append(errs, FieldError{
			Field:   "audit.buffer_size",
			Message: "buffer size must be non-negative",
		})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "audit.write_timeout",
			Message: "write timeout must be positive",
		})
	}
	if cfg.RetentionDays < 0 {
		errs = append(errs, FieldError{
			Field:   "audit.retention_days",
			Message: "retention days must be non-negative (0 = keep forever)",
		})
	}
	if cfg.RetentionDays > 0 {
		errs = append(errs, validateSchedule("audit.prune_schedule", cfg.PruneSchedule)...)
	}

	return errs
}

var validSeverities = map[string]bool{"": true, "info": true, "warning": true, "critical": true}

func validateNotify(cfg *NotifyConfig) []FieldError {
	var errs []FieldError
	for i, w := range cfg.Webhooks {
		prefix := fmt.Sprintf("notify.webhooks[%d]", i)
		if err := validateURL(w.URL); err != nil {
			errs = append(errs, FieldError{Field: prefix + ".url", Message: err.Error()})
		}
		if !validSeverities[w.MinSeverity] {
			errs = append(errs, FieldError{
				Field:   prefix + ".min_severity",
				Message: fmt.Sprintf("invalid severity %q: must be 'info', 'warning', or 'critical'", w.MinSeverity),
			})
		}
	}
	if cfg.Timeout < 0 {
		errs = append(errs, FieldError{
			Field:   "notify.timeout",
			Message: "timeout must be positive",
		})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	// Validate metrics path
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with '/'",
		})
	}

	// Validate tracing configuration
	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.endpoint",
				Message: "tracing endpoint is required when tracing is enabled",
			})
		}
		if cfg.Tracing.Exporter != "otlp" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.exporter",
				Message: fmt.Sprintf("invalid exporter %q: must be 'otlp'", cfg.Tracing.Exporter),
			})
		}
	}
	switch cfg.Tracing.Sampler {
	case "always", "never", "ratio":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	return errs
}

func validateSchedule(field, spec string) []FieldError {
	if spec == "" {
		return []FieldError{{Field: field, Message: "schedule is required"}}
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid schedule %q: %v", spec, err)}}
	}
	return nil
}

// validateURL checks that s is an absolute http or https URL.
func validateURL(s string) error {
	if s == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: host is required", s)
	}
	return nil
}

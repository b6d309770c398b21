package concord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/concord/pkg/audit"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/notify"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/rule"
	sectls "mercator-hq/concord/pkg/security/tls"
	"mercator-hq/concord/pkg/source"
	"mercator-hq/concord/pkg/store"
	"mercator-hq/concord/pkg/telemetry/metrics"
)

// Deps carries process-level collaborators Open does not build from
// configuration.
type Deps struct {
	Logger *slog.Logger

	// Registry receives the node's metrics. Nil disables metrics even
	// when telemetry.metrics.enabled is set.
	Registry *prometheus.Registry

	Tracer trace.Tracer

	// HTTPClient reaches peers and webhooks. Default: a client per use
	// with the configured timeout.
	HTTPClient *http.Client

	// Transport overrides the HTTP peer transport, e.g. with an in-process
	// network in tests.
	Transport replication.Transport
}

// Open builds a node from cfg. cfg must already be validated.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Concord, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, backend.Close)

	journal, err := openJournal(cfg.Replication.Journal, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, journal.Close)

	sink, err := openAuditSink(cfg.Audit, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, sink.Close)

	notifier, err := buildNotifier(cfg.Notify, deps.HTTPClient, logger)
	if err != nil {
		cleanup()
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Telemetry.Metrics.Enabled && deps.Registry != nil {
		collector = metrics.NewCollector(&cfg.Telemetry.Metrics, deps.Registry)
	}

	rules := RulesOptions{
		Path:     cfg.Rules.Path,
		Watch:    cfg.Rules.Watch,
		Debounce: cfg.Rules.Debounce,
	}
	if cfg.Rules.Git.Enabled() {
		g, err := source.NewGitSource(source.GitConfig{
			URL:        cfg.Rules.Git.URL,
			Branch:     cfg.Rules.Git.Branch,
			Path:       cfg.Rules.Git.Path,
			LocalPath:  cfg.Rules.Git.LocalPath,
			Token:      cfg.Rules.Git.Token,
			SSHKeyPath: cfg.Rules.Git.SSHKeyPath,
			Timeout:    cfg.Rules.Git.Timeout,
		}, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
		rules.Git = g
	}

	ropts := replication.Options{
		Journal:          journal,
		PreferredNode:    cfg.Replication.PreferredNode,
		HandshakeTimeout: cfg.Replication.HandshakeTimeout,
		TransferTimeout:  cfg.Replication.TransferTimeout,
		MaxAttempts:      cfg.Replication.MaxAttempts,
		BackoffInitial:   cfg.Replication.BackoffInitial,
		BackoffMax:       cfg.Replication.BackoffMax,
		QueueSize:        cfg.Replication.QueueSize,
		Compression:      cfg.Replication.Compression,
		AutoEmergency:    cfg.Replication.AutoEmergency,
	}
	if cfg.Replication.Enabled {
		for _, p := range cfg.Replication.Peers {
			ropts.Peers = append(ropts.Peers, replication.PeerConfig{Name: p.Name, Address: p.Address})
		}
		ropts.Transport = deps.Transport
		if ropts.Transport == nil {
			client := deps.HTTPClient
			if client == nil && cfg.Replication.TLS.Enabled() {
				tlsCfg, err := sectls.NewClientConfig(cfg.Replication.TLS)
				if err != nil {
					cleanup()
					return nil, fmt.Errorf("replication.tls: %w", err)
				}
				client = &http.Client{
					Timeout:   cfg.Replication.TransferTimeout,
					Transport: &http.Transport{TLSClientConfig: tlsCfg},
				}
			}
			ropts.Transport = replication.NewHTTPTransport(client, cfg.Replication.TransferTimeout)
		}
	}

	c, err := New(ctx, Options{
		NodeID:     cfg.Node.ID,
		Backend:    backend,
		MaxHistory: cfg.Store.MaxHistory,
		Cache: index.CacheConfig{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        cfg.Cache.TTL(),
		},
		DefaultStrategy: rule.Strategy(cfg.Engine.DefaultStrategy),
		MinQuorum:       cfg.Engine.MinQuorum,
		ConflictLogSize: cfg.Engine.ConflictLogSize,
		Replication:     ropts,
		AuditSink:       sink,
		AuditConfig: audit.Config{
			BufferSize:   cfg.Audit.BufferSize,
			WriteTimeout: cfg.Audit.WriteTimeout,
		},
		Notifier:      notifier,
		NotifyTimeout: cfg.Notify.Timeout,
		Metrics:       collector,
		Rules:         rules,
		Tracer:        deps.Tracer,
		Logger:        logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	// The store closes the backend and the coordinator the journal. The
	// sink must outlive the recorder draining into it.
	c.AddCloser(sink.Close)
	return c, nil
}

func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		b, err := store.NewSQLiteBackendWithConfig(store.SQLiteBackendConfig{
			DBPath:      cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite rule store: %w", err)
		}
		return b, nil
	default:
		return store.NewMemoryBackend(), nil
	}
}

func openJournal(cfg config.JournalConfig, logger *slog.Logger) (replication.Journal, error) {
	switch cfg.Backend {
	case "badger":
		j, err := replication.OpenBadgerJournal(replication.BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: true,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sync journal: %w", err)
		}
		return j, nil
	default:
		return replication.NewMemoryJournal(), nil
	}
}

func openAuditSink(cfg config.AuditConfig, logger *slog.Logger) (audit.Sink, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := audit.NewSQLiteSink(&audit.SQLiteConfig{
			Path:        cfg.SQLitePath,
			WALMode:     true,
			BusyTimeout: 5 * time.Second,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		return s, nil
	default:
		return audit.NewMemorySink(), nil
	}
}

func buildNotifier(cfg config.NotifyConfig, client *http.Client, logger *slog.Logger) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.Log {
		out = append(out, notify.NewLogNotifier(logger))
	}
	for i, wh := range cfg.Webhooks {
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:         wh.URL,
			Headers:     wh.Headers,
			Timeout:     cfg.Timeout,
			MinSeverity: notify.Severity(wh.MinSeverity),
			Client:      client,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("notify.webhooks[%d]: %w", i, err)
		}
		out = append(out, n)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// SchedulerConfigFrom maps cfg onto the periodic jobs of a node.
func SchedulerConfigFrom(cfg *config.Config) SchedulerConfig {
	sc := SchedulerConfig{
		Sweep: cfg.Overrides.SweepSchedule,
	}
	if cfg.Replication.Enabled {
		sc.RoutineSync = cfg.Replication.RoutineSchedule
		sc.Reconnect = cfg.Replication.ReconnectSchedule
	}
	if cfg.Rules.Git.Enabled() {
		sc.GitPoll = cfg.Rules.Git.PollSchedule
	}
	if cfg.Audit.RetentionDays > 0 {
		sc.AuditPrune = cfg.Audit.PruneSchedule
		sc.AuditRetention = time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
	}
	return sc
}

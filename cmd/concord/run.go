package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"mercator-hq/concord/pkg/cli"
	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/security/auth"
	"mercator-hq/concord/pkg/server"
	"mercator-hq/concord/pkg/telemetry/health"
	"mercator-hq/concord/pkg/telemetry/logging"
	"mercator-hq/concord/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	nodeID        string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a concord node",
	Long: `Start a concord node with the specified configuration.

The node opens its rule store, loads the configured rule bundles, starts
syncing with its peers and serves the replication, operator, health and
metrics endpoints on one listener.

Examples:
  # Start with defaults and CONCORD_* environment overrides
  concord run

  # Start with a config file
  concord run --config /etc/concord/concord.yaml

  # Override listen address and node id
  concord run --listen 0.0.0.0:7400 --node node-b

  # Validate config without starting
  concord run --dry-run`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runFlags.nodeID, "node", "", "override node id")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the node")
}

// loadRunConfig loads the configuration and applies run's flag overrides.
func loadRunConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		if _, err := logging.ParseLevel(runFlags.logLevel); err != nil {
			return nil, cli.NewConfigError("log-level", err.Error())
		}
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if runFlags.nodeID != "" {
		cfg.Node.ID = runFlags.nodeID
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
		Redact:    cfg.Telemetry.Logging.Redact,
		Writer:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	if runFlags.dryRun {
		cli.OK(out, "Configuration valid")
		return nil
	}

	printBanner(out, cfg)

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

	tracer, err := tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	node, err := concord.Open(ctx, cfg, concord.Deps{
		Logger:   logger,
		Registry: registry,
		Tracer:   tracer.Tracer(),
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer node.Close()
	cli.OK(out, "Rule store opened (%s, %d rules)", cfg.Store.Backend, node.Status().Rules)

	if node.RulesPath() != "" || cfg.Rules.Git.Enabled() {
		loaded, err := node.LoadRules(ctx)
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to load rules: %w", err))
		}
		rep := loaded.Report
		cli.OK(out, "Rules loaded from %s (%d files, %d created, %d updated, %d unchanged)",
			node.RulesPath(), len(loaded.Files), len(rep.Created), len(rep.Updated), rep.Unchanged)
		for _, fe := range loaded.Errors {
			cli.Warn(out, "Skipped %s", fe.Error())
		}
		for id, ferr := range rep.Failed {
			cli.Warn(out, "Rule %s not applied: %v", id, ferr)
		}
	}

	if err := node.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	if cfg.Replication.Enabled {
		cli.OK(out, "Replication started (%d peers)", len(cfg.Replication.Peers))
	}

	sched, err := concord.NewScheduler(node, concord.SchedulerConfigFrom(cfg))
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	if err := sched.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	defer sched.Stop()
	cli.OK(out, "Scheduler started (%d jobs)", len(sched.Jobs()))

	tokens, err := auth.NewTokenSet(cfg.Server.Auth.Tokens)
	if err != nil {
		return cli.NewConfigError("server.auth", err.Error())
	}
	if tokens.Len() > 0 {
		cli.OK(out, "Operator API requires a token (%d operators)", tokens.Len())
	}

	checker := health.New(node.NodeID(), 5*time.Second)
	node.RegisterHealthChecks(checker)
	srv := server.NewServer(&cfg.Server, node, server.Options{
		Checker:     checker,
		Metrics:     node.Metrics(),
		MetricsPath: cfg.Telemetry.Metrics.Path,
		Tracer:      tracer,
		Tokens:      tokens,
		Version:     Version,
		Commit:      GitCommit,
		BuildTime:   BuildDate,
		Logger:      logger,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	if err := waitForServer(ctx, srv, errChan, 5*time.Second); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Fprintln(out)
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	cli.OK(out, "Node %s listening on %s", node.NodeID(), srv.Addr())
	cli.OK(out, "Health endpoint: %s://%s/health", scheme, srv.Addr())
	if node.Metrics() != nil {
		cli.OK(out, "Metrics endpoint: %s://%s%s", scheme, srv.Addr(), cfg.Telemetry.Metrics.Path)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	select {
	case err := <-errChan:
		if err != nil {
			return cli.NewCommandError("run", err)
		}
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down gracefully...")
		if err := <-errChan; err != nil {
			slog.Error("shutdown failed", "error", err)
			return cli.NewCommandError("run", err)
		}
	}
	cli.OK(out, "Node stopped")
	return nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Concord v%s\n", Version)
	if cfgFile != "" {
		fmt.Fprintf(w, "Loading configuration from: %s\n", cfgFile)
	}
	cli.OK(w, "Configuration loaded (node %s)", cfg.Node.ID)

	slog.Debug("store", "backend", cfg.Store.Backend)
	slog.Debug("audit", "backend", cfg.Audit.Backend, "retention_days", cfg.Audit.RetentionDays)
	if cfg.Rules.Git.Enabled() {
		slog.Debug("rules", "source", "git", "url", cfg.Rules.Git.URL, "branch", cfg.Rules.Git.Branch)
	} else if cfg.Rules.Path != "" {
		slog.Debug("rules", "source", "path", "path", cfg.Rules.Path, "watch", cfg.Rules.Watch)
	}
}

// waitForServer polls until the listener is bound or Start fails.
func waitForServer(ctx context.Context, srv *server.Server, errChan chan error, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for srv.Addr() == "" {
		select {
		case err := <-errChan:
			if err == nil {
				err = fmt.Errorf("server exited before listening")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("server did not start within %s", timeout)
		case <-tick.C:
		}
	}
	return nil
}

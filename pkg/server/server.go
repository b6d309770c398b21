package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/security/auth"
	sectls "mercator-hq/concord/pkg/security/tls"
	"mercator-hq/concord/pkg/telemetry/health"
	"mercator-hq/concord/pkg/telemetry/metrics"
	"mercator-hq/concord/pkg/telemetry/tracing"
)

// Options carries the optional collaborators of a Server.
type Options struct {
	// Checker backs /health and /ready. When nil a checker is built from
	// the node's own checks.
	Checker *health.Checker

	// Metrics is served at MetricsPath when set.
	Metrics     *metrics.Collector
	MetricsPath string

	// Tracer wraps every request in a server span when set.
	Tracer *tracing.Tracer

	// Tokens guards the /v1 operator routes when set and non-empty.
	Tokens *auth.TokenSet

	Version   string
	Commit    string
	BuildTime string

	Logger *slog.Logger
}

// Server is the HTTP front of one concord node.
type Server struct {
	config       *config.ServerConfig
	node         *concord.Concord
	opts         Options
	logger       *slog.Logger
	httpServer   *http.Server
	listener     net.Listener
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a server for node.
func NewServer(cfg *config.ServerConfig, node *concord.Concord, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Checker == nil {
		opts.Checker = health.New(node.NodeID(), 5*time.Second)
		node.RegisterHealthChecks(opts.Checker)
	}
	return &Server{
		config:       cfg,
		node:         node,
		opts:         opts,
		logger:       opts.Logger.With("component", "server"),
		shutdownChan: make(chan struct{}),
	}
}

// Start binds the listener and serves until ctx is done, Stop is called or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	tlsCfg, reloader, err := sectls.NewServerConfig(&s.config.TLS, s.logger)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to configure TLS: %w", err)
	}
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		if reloader != nil {
			reloader.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	if reloader != nil {
		rctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go reloader.Run(rctx)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "address", ln.Addr().String(), "tls", tlsCfg != nil)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	case <-s.shutdownChan:
		s.logger.Info("shutdown requested")
		return s.Shutdown(context.Background())
	}
}

// Stop asks a running Start to shut down.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("server stopped")
	})

	return shutdownErr
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(replication.Path, replication.HTTPHandler(s.node.Coordinator()))

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/status", s.handleStatus)
	api.HandleFunc("GET /v1/peers", s.handlePeers)
	api.HandleFunc("POST /v1/sync", s.handleSync)

	api.HandleFunc("GET /v1/rules", s.handleListRules)
	api.HandleFunc("POST /v1/rules", s.handleCreateRule)
	api.HandleFunc("GET /v1/rules/{id}", s.handleGetRule)
	api.HandleFunc("PUT /v1/rules/{id}", s.handleUpdateRule)
	api.HandleFunc("DELETE /v1/rules/{id}", s.handleDeleteRule)
	api.HandleFunc("GET /v1/rules/{id}/history", s.handleRuleHistory)
	api.HandleFunc("GET /v1/rules/{id}/effective", s.handleEffectiveRule)
	api.HandleFunc("POST /v1/rules/{id}/overrides", s.handleCreateOverride)
	api.HandleFunc("POST /v1/rules/{id}/emergency", s.handleEmergencyPush)

	api.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	api.HandleFunc("GET /v1/tree", s.handleTree)

	api.HandleFunc("GET /v1/conflicts", s.handleListConflicts)
	api.HandleFunc("POST /v1/conflicts/{id}/settle", s.handleSettleConflict)

	api.HandleFunc("GET /v1/audit", s.handleAudit)

	var operator http.Handler = api
	if s.opts.Tokens != nil && s.opts.Tokens.Len() > 0 {
		operator = auth.NewMiddleware(s.opts.Tokens, auth.Options{
			Logger: s.logger,
			OnFailure: func(w http.ResponseWriter, r *http.Request, err error) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="concord"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			},
		}).Handle(api)
	}
	mux.Handle("/v1/", operator)

	health.Register(mux, s.opts.Checker, s.opts.Version, s.opts.Commit, s.opts.BuildTime)
	if s.opts.Metrics != nil {
		mux.Handle(s.opts.MetricsPath, s.opts.Metrics.Handler())
	}

	var handler http.Handler = mux
	if s.opts.Tracer != nil && s.opts.Tracer.Enabled() {
		handler = tracing.HTTPMiddleware(s.opts.Tracer, handler)
	}

	// Recovery is outermost.
	return Chain(handler,
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		RequestIDMiddleware,
	)
}

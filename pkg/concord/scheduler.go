package concord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Names of the jobs a Scheduler may run.
const (
	JobRoutineSync = "routine_sync"
	JobReconnect   = "reconnect"
	JobSweep       = "override_sweep"
	JobGitPoll     = "git_poll"
	JobAuditPrune  = "audit_prune"
	JobStats       = "stats"
)

// SchedulerConfig sets the cron schedule of each periodic job. An empty
// schedule disables the job. Schedules use the standard five-field
// syntax or descriptors such as "@every 30s".
type SchedulerConfig struct {
	RoutineSync string
	Reconnect   string
	Sweep       string
	GitPoll     string
	AuditPrune  string

	// AuditRetention is the age past which audit records are pruned.
	// Zero disables pruning.
	AuditRetention time.Duration

	// Stats refreshes cache and rule-count gauges. Default: "@every 15s"
	// when metrics are wired.
	Stats string

	// JobTimeout bounds one run of any job. Default: 5m
	JobTimeout time.Duration
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
	entry    cron.EntryID
}

// Scheduler runs a node's periodic work: routine sync, reconnects of degraded
// peers, the override expiry sweep, git polling and audit retention.
type Scheduler struct {
	node    *Concord
	config  SchedulerConfig
	cron    *cron.Cron
	jobs    map[string]*job
	logger  *slog.Logger
	runCtx  context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewScheduler validates every schedule and registers the jobs that
// apply to node.
func NewScheduler(node *Concord, config SchedulerConfig) (*Scheduler, error) {
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	if config.Stats == "" && node.metrics != nil {
		config.Stats = "@every 15s"
	}
	logger := node.logger.With("component", "concord.scheduler")
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		node:   node,
		config: config,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*job),
		logger: logger,
	}

	candidates := []*job{
		{name: JobRoutineSync, schedule: config.RoutineSync, run: node.coordinator.SyncAll},
		{name: JobReconnect, schedule: config.Reconnect, run: node.coordinator.Reconnect},
		{name: JobSweep, schedule: config.Sweep, run: func(ctx context.Context) error {
			_, err := node.SweepExpired(ctx)
			return err
		}},
	}
	if node.rules.Git != nil {
		candidates = append(candidates, &job{name: JobGitPoll, schedule: config.GitPoll, run: func(ctx context.Context) error {
			_, err := node.PullRules(ctx)
			return err
		}})
	}
	if node.recorder != nil && config.AuditRetention > 0 {
		candidates = append(candidates, &job{name: JobAuditPrune, schedule: config.AuditPrune, run: func(ctx context.Context) error {
			_, err := node.PruneAudit(ctx, node.now().Add(-config.AuditRetention))
			return err
		}})
	}
	if node.metrics != nil {
		candidates = append(candidates, &job{name: JobStats, schedule: config.Stats, run: func(context.Context) error {
			node.refreshGauges()
			return nil
		}})
	}

	for _, j := range candidates {
		if j.schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(j.schedule); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", j.name, j.schedule, err)
		}
		s.jobs[j.name] = j
	}
	return s, nil
}

// Jobs returns the names of the registered jobs, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start schedules every job. Jobs run until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		id, err := s.cron.AddFunc(j.schedule, func() {
			_ = s.execute(s.runCtx, j)
		})
		if err != nil {
			s.cancel()
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		j.entry = id
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", s.Jobs())

	go func() {
		<-s.runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	for _, j := range s.jobs {
		s.cron.Remove(j.entry)
	}
	s.running = false
	s.logger.Info("scheduler stopped")
}

// Run executes the named job now and returns its error.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j)
}

// NextRun returns when the named job runs next, or the zero time when
// it is not scheduled.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok || !s.running {
		return time.Time{}
	}
	return s.cron.Entry(j.entry).Next
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", j.name, "duration", time.Since(start), "error", err)
		return err
	}
	s.logger.Debug("scheduled job completed", "job", j.name, "duration", time.Since(start))
	return nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// PruneAudit removes audit records recorded before cutoff.
func (c *Concord) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	if c.recorder == nil {
		return 0, nil
	}
	n, err := c.recorder.Sink().Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	if n > 0 {
		c.logger.Info("audit records pruned", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (c *Concord) refreshGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.UpdateCacheStats(c.engine.CacheStats())
	c.metrics.SetRuleCount(len(c.store.IDs()))
}

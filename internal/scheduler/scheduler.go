// Package scheduler runs the server's recurring maintenance jobs on
// cron schedules. Jobs are registered by name before Start; each job
// runs at most once at a time, and a run that overlaps its next firing
// is skipped rather than queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/thomasbambino/streamcore/internal/observability"
)

// Job is a named recurring task. Run receives the scheduler's context
// and should return promptly once it is canceled.
type Job struct {
	Name string
	// Schedule is a cron expression or a descriptor such as
	// "@every 30s".
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus is a point-in-time snapshot of one job's run history.
type JobStatus struct {
	Name           string    `json:"name"`
	Schedule       string    `json:"schedule"`
	Runs           uint64    `json:"runs"`
	SkippedRuns    uint64    `json:"skipped_runs,omitempty"`
	LastRunAt      time.Time `json:"last_run_at"`
	LastDurationMs int64     `json:"last_duration_ms"`
	LastError      string    `json:"last_error,omitempty"`
}

type jobState struct {
	job          Job
	running      bool
	runs         uint64
	skips        uint64
	lastRunAt    time.Time
	lastDuration time.Duration
	lastError    string
}

// Scheduler owns the cron loop and the registered jobs.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*jobState
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler with no jobs registered.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: observability.WithComponent(logger, "scheduler"),
		now:    time.Now,
		jobs:   make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	return s
}

// Register adds a job. It fails on a duplicate name, an invalid
// schedule, or a scheduler that has already been started.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("cannot register jobs on a started scheduler")
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %q is already registered", job.Name)
	}

	if _, err := s.cron.AddJob(job.Schedule, &cronAdapter{scheduler: s, name: job.Name}); err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = &jobState{job: job}
	return nil
}

// Start begins firing registered jobs on their schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels the job context, halts the cron loop, and waits for
// in-flight scheduled runs to finish. Safe to call when not started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a registered job immediately, outside its schedule.
// It shares the single-flight guard with scheduled runs and returns the
// job's error.
func (s *Scheduler) RunNow(name string) error {
	return s.runJob(name)
}

// Statuses returns a snapshot of every job's run history, sorted by
// name.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, state := range s.jobs {
		statuses = append(statuses, JobStatus{
			Name:           state.job.Name,
			Schedule:       state.job.Schedule,
			Runs:           state.runs,
			SkippedRuns:    state.skips,
			LastRunAt:      state.lastRunAt,
			LastDurationMs: state.lastDuration.Milliseconds(),
			LastError:      state.lastError,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Scheduler) runJob(name string) error {
	s.mu.Lock()
	state, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %q", name)
	}
	if !s.started {
		s.mu.Unlock()
		return errors.New("scheduler is not started")
	}
	if state.running {
		state.skips++
		s.mu.Unlock()
		s.logger.Debug("skipping job, previous run still in progress", slog.String("job", name))
		return fmt.Errorf("job %q is already running", name)
	}
	state.running = true
	ctx := s.ctx
	s.mu.Unlock()

	start := s.now()
	err := state.job.Run(ctx)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	state.running = false
	state.runs++
	state.lastRunAt = start
	state.lastDuration = elapsed
	if err != nil {
		state.lastError = err.Error()
	} else {
		state.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
		return err
	}
	s.logger.Debug("scheduled job completed",
		slog.String("job", name),
		slog.Duration("duration", elapsed))
	return nil
}

// cronAdapter routes a cron firing to the scheduler's run path. Errors
// are already logged and recorded there.
type cronAdapter struct {
	scheduler *Scheduler
	name      string
}

func (a *cronAdapter) Run() {
	_ = a.scheduler.runJob(a.name)
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]any{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error(msg, args...)
}

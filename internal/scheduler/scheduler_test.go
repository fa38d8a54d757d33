package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupSchedulerTest(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(discardLogger(), opts...)
	t.Cleanup(s.Stop)
	return s
}

func noopJob(name string) Job {
	return Job{
		Name:     name,
		Schedule: "@every 1h",
		Run:      func(context.Context) error { return nil },
	}
}

func TestScheduler_Register_Validation(t *testing.T) {
	s := setupSchedulerTest(t)

	assert.Error(t, s.Register(Job{Schedule: "@every 1m", Run: func(context.Context) error { return nil }}),
		"name is required")
	assert.Error(t, s.Register(Job{Name: "no-run", Schedule: "@every 1m"}),
		"run function is required")
	assert.Error(t, s.Register(Job{Name: "bad-spec", Schedule: "every minute", Run: func(context.Context) error { return nil }}),
		"schedule must parse")

	require.NoError(t, s.Register(noopJob("session-reaper")))
	err := s.Register(noopJob("session-reaper"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestScheduler_Register_AfterStartFails(t *testing.T) {
	s := setupSchedulerTest(t)
	require.NoError(t, s.Start(context.Background()))

	err := s.Register(noopJob("late"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "started")
}

func TestScheduler_Start_Twice(t *testing.T) {
	s := setupSchedulerTest(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_Stop_WithoutStart(t *testing.T) {
	s := New(discardLogger())
	s.Stop()
}

func TestScheduler_RunNow_ExecutesJob(t *testing.T) {
	s := setupSchedulerTest(t)

	var runs atomic.Int64
	require.NoError(t, s.Register(Job{
		Name:     "idle-worker-sweep",
		Schedule: "@every 1h",
		Run: func(ctx context.Context) error {
			require.NotNil(t, ctx)
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.RunNow("idle-worker-sweep"))
	assert.Equal(t, int64(1), runs.Load())

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(1), statuses[0].Runs)
	assert.Empty(t, statuses[0].LastError)
}

func TestScheduler_RunNow_ReportsJobError(t *testing.T) {
	s := setupSchedulerTest(t)

	require.NoError(t, s.Register(Job{
		Name:     "failing",
		Schedule: "@every 1h",
		Run:      func(context.Context) error { return errors.New("upstream unavailable") },
	}))
	require.NoError(t, s.Start(context.Background()))

	err := s.RunNow("failing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "upstream unavailable", statuses[0].LastError)
	assert.Equal(t, uint64(1), statuses[0].Runs)
}

func TestScheduler_RunNow_UnknownJob(t *testing.T) {
	s := setupSchedulerTest(t)
	require.NoError(t, s.Start(context.Background()))

	err := s.RunNow("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestScheduler_RunNow_BeforeStart(t *testing.T) {
	s := setupSchedulerTest(t)
	require.NoError(t, s.Register(noopJob("early")))

	err := s.RunNow("early")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestScheduler_SingleFlight(t *testing.T) {
	s := setupSchedulerTest(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name:     "slow",
		Schedule: "@every 1h",
		Run: func(context.Context) error {
			close(entered)
			<-release
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-entered

	err := s.RunNow("slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	close(release)
	require.NoError(t, <-done)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(1), statuses[0].Runs)
	assert.Equal(t, uint64(1), statuses[0].SkippedRuns)
}

func TestScheduler_CronFiresRegisteredJob(t *testing.T) {
	s := setupSchedulerTest(t)

	var runs atomic.Int64
	require.NoError(t, s.Register(Job{
		Name:     "ticker",
		Schedule: "@every 25ms",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_Stop_CancelsRunningJob(t *testing.T) {
	s := setupSchedulerTest(t)

	entered := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name:     "blocked",
		Schedule: "@every 1h",
		Run: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.RunNow("blocked") }()
	<-entered

	s.Stop()
	require.ErrorIs(t, <-done, context.Canceled)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, context.Canceled.Error(), statuses[0].LastError)
}

func TestScheduler_Statuses_SortedByName(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)}
	s := setupSchedulerTest(t, WithClock(clock.Now))

	require.NoError(t, s.Register(noopJob("epg-refresh")))
	require.NoError(t, s.Register(Job{
		Name:     "idle-worker-sweep",
		Schedule: "@every 1m",
		Run: func(context.Context) error {
			clock.Advance(150 * time.Millisecond)
			return nil
		},
	}))
	require.NoError(t, s.Register(noopJob("session-reaper")))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.RunNow("idle-worker-sweep"))

	statuses := s.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "epg-refresh", statuses[0].Name)
	assert.Equal(t, "idle-worker-sweep", statuses[1].Name)
	assert.Equal(t, "session-reaper", statuses[2].Name)

	assert.Equal(t, int64(150), statuses[1].LastDurationMs)
	assert.Equal(t, clock.Now().Add(-150*time.Millisecond), statuses[1].LastRunAt)
	assert.Zero(t, statuses[0].Runs)
}

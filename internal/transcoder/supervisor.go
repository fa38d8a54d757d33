// Package transcoder manages one ffmpeg HLS transcode per channel.
//
// The supervisor keeps a single worker per channel key. EnsurePlaylist
// reuses a healthy worker when its process is alive and its playlist is
// still moving, and otherwise replaces it. Liveness and termination are
// both strategy ladders: an ordered list of named checks tried in turn,
// with each attempt recorded so callers can see which strategy decided.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/storage"
)

const (
	// DefaultSegmentDuration is the HLS segment length in seconds.
	DefaultSegmentDuration = 4
	// DefaultPlaylistSize is the rolling window of segments kept in the
	// media playlist.
	DefaultPlaylistSize = 6
	// DefaultPlaylistFreshness is how recently the playlist must have been
	// rewritten for a live worker to be considered healthy.
	DefaultPlaylistFreshness = 30 * time.Second
	// DefaultReadyTimeout bounds how long EnsurePlaylist blocks waiting for
	// the first complete segment.
	DefaultReadyTimeout = 15 * time.Second
	// DefaultReadyPollInterval is how often the playlist is re-checked
	// while waiting for readiness.
	DefaultReadyPollInterval = 250 * time.Millisecond
	// DefaultIdleTimeout is how long a worker may go without playlist
	// requests before the idle sweep stops it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultStopGracePeriod is how long each termination strategy waits
	// for the process to exit before the next one runs.
	DefaultStopGracePeriod = 3 * time.Second

	playlistName   = "index.m3u8"
	segmentPattern = "segment_%05d.ts"
)

var channelKeyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ErrInvalidChannelKey is returned when a channel key contains path
// separators or other characters unsafe to use as a directory name.
var ErrInvalidChannelKey = errors.New("invalid channel key")

// Supervisor owns the transcode workers. All per-channel operations are
// serialized by a per-channel lock so concurrent playlist requests for
// the same channel spawn at most one process.
type Supervisor struct {
	cfg     config.TranscoderConfig
	sandbox *storage.Sandbox
	factory ProcessFactory
	logger  *slog.Logger
	now     func() time.Time

	liveness    []livenessStrategy
	termination []terminationStrategy

	mu      sync.Mutex
	workers map[string]*worker
	locks   map[string]*sync.Mutex
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// New creates a Supervisor writing per-channel output under sandbox and
// spawning processes through factory.
func New(cfg config.TranscoderConfig, sandbox *storage.Sandbox, factory ProcessFactory, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:         normalizeConfig(cfg),
		sandbox:     sandbox,
		factory:     factory,
		logger:      observability.WithComponent(logger, "transcoder"),
		now:         time.Now,
		liveness:    defaultLivenessLadder(),
		termination: defaultTerminationLadder(),
		workers:     make(map[string]*worker),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizeConfig fills zero-valued fields with defaults. The factory
// calls this too, so a Supervisor and its factory agree on the profile
// even when built from the same partially filled config.
func normalizeConfig(cfg config.TranscoderConfig) config.TranscoderConfig {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = "libx264"
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "aac"
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.PlaylistSize <= 0 {
		cfg.PlaylistSize = DefaultPlaylistSize
	}
	if cfg.PlaylistFreshness <= 0 {
		cfg.PlaylistFreshness = DefaultPlaylistFreshness
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = DefaultReadyPollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = DefaultStopGracePeriod
	}
	return cfg
}

// EnsurePlaylist returns the output-root-relative path of a ready media
// playlist for the channel, reusing the existing worker when it is
// healthy and spawning a replacement otherwise. It blocks until the
// playlist holds at least one complete segment or ReadyTimeout passes,
// in which case it returns ErrPlaylistNotReady.
func (s *Supervisor) EnsurePlaylist(ctx context.Context, channelKey, sourceURL string) (string, error) {
	if !channelKeyRe.MatchString(channelKey) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelKey, channelKey)
	}
	if sourceURL == "" {
		return "", errors.New("source URL is required")
	}

	lock := s.channelLock(channelKey)
	lock.Lock()
	defer lock.Unlock()

	logger := observability.WithOperation(s.logger, "ensure_playlist")

	if w := s.lookup(channelKey); w != nil {
		alive, outcomes := checkAlive(s.liveness, w.proc)
		switch {
		case alive && s.playlistFresh(w):
			w.touch(s.now())
			logger.Debug("reusing transcode worker",
				slog.String("channel_key", channelKey),
				slog.String("worker_id", w.id))
			return w.playlistRel, nil
		case !alive:
			last := outcomes[len(outcomes)-1]
			logger.Info("transcode worker dead, replacing",
				slog.String("channel_key", channelKey),
				slog.String("worker_id", w.id),
				slog.String("liveness_strategy", last.Strategy))
			s.stopWorker(w, "replace")
		default:
			logger.Info("playlist stale, replacing worker",
				slog.String("channel_key", channelKey),
				slog.String("worker_id", w.id))
			s.stopWorker(w, "replace")
		}
	}

	if err := s.sandbox.RemoveAll(channelKey); err != nil {
		return "", fmt.Errorf("clearing channel directory: %w", err)
	}
	if err := s.sandbox.MkdirAll(channelKey); err != nil {
		return "", fmt.Errorf("creating channel directory: %w", err)
	}
	outputDir, err := s.sandbox.Resolve(channelKey)
	if err != nil {
		return "", fmt.Errorf("resolving channel directory: %w", err)
	}

	spec := SpawnSpec{
		ChannelKey:     channelKey,
		SourceURL:      sourceURL,
		OutputDir:      outputDir,
		PlaylistPath:   filepath.Join(outputDir, playlistName),
		SegmentPattern: filepath.Join(outputDir, segmentPattern),
	}
	proc, err := s.factory.Spawn(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("spawning transcode process: %w", err)
	}

	w := newWorker(channelKey, proc, channelKey, path.Join(channelKey, playlistName), s.now())
	logger.Info("transcode worker spawned",
		slog.String("channel_key", channelKey),
		slog.String("worker_id", w.id),
		slog.Int("pid", proc.PID()))

	if err := s.awaitReady(ctx, w, spec.PlaylistPath); err != nil {
		s.stopWorker(w, "not ready")
		return "", err
	}

	// Start the monitor before the exit listener so a worker that dies
	// immediately still gets its monitor torn down.
	w.startMonitor()
	s.register(w)
	go s.watchExit(w)

	if seg, err := newestSegment(outputDir); err == nil {
		if video, audio, err := probeSegment(ctx, seg); err == nil {
			w.setCodecs(video, audio)
		} else {
			logger.Debug("segment probe failed",
				slog.String("channel_key", channelKey),
				slog.String("error", err.Error()))
		}
	}

	logger.Info("playlist ready",
		slog.String("channel_key", channelKey),
		slog.String("worker_id", w.id),
		slog.String("playlist", w.playlistRel))
	return w.playlistRel, nil
}

// awaitReady polls the playlist until it holds a complete segment, the
// process dies, the context is canceled, or the timeout passes.
func (s *Supervisor) awaitReady(ctx context.Context, w *worker, playlistPath string) error {
	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		if playlistFileReady(playlistPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.proc.Done():
			return s.prematureExitError(w)
		case <-deadline.C:
			return ErrPlaylistNotReady
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) prematureExitError(w *worker) error {
	err := w.proc.Err()
	if err == nil {
		err = errors.New("process exited")
	}
	if tail := w.proc.StderrTail(); len(tail) > 0 {
		return fmt.Errorf("transcode process exited before playlist became ready: %w (%s)", err, tail[len(tail)-1])
	}
	return fmt.Errorf("transcode process exited before playlist became ready: %w", err)
}

// watchExit deregisters the worker when its process ends, whatever the
// reason. Output stays on disk so players can drain the tail segments.
func (s *Supervisor) watchExit(w *worker) {
	<-w.proc.Done()
	if !s.deregister(w) {
		return
	}
	w.stopMonitor()

	uptime := s.now().Sub(w.spawnedAt)
	if err := w.proc.Err(); err != nil {
		attrs := []any{
			slog.String("channel_key", w.channelKey),
			slog.String("worker_id", w.id),
			slog.String("error", err.Error()),
			slog.Duration("uptime", uptime),
		}
		if tail := w.proc.StderrTail(); len(tail) > 0 {
			attrs = append(attrs, slog.String("stderr", tail[len(tail)-1]))
		}
		s.logger.Warn("transcode process exited", attrs...)
	} else {
		s.logger.Info("transcode process exited",
			slog.String("channel_key", w.channelKey),
			slog.String("worker_id", w.id),
			slog.Duration("uptime", uptime))
	}
}

// register installs the worker as the channel's current one.
func (s *Supervisor) register(w *worker) {
	s.mu.Lock()
	s.workers[w.channelKey] = w
	s.mu.Unlock()
}

// deregister removes the worker if it is still the channel's current
// one. The identity check keeps an old worker's exit listener from
// removing its replacement.
func (s *Supervisor) deregister(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[w.channelKey] != w {
		return false
	}
	delete(s.workers, w.channelKey)
	return true
}

// stopWorker terminates the process through the ladder and removes the
// channel directory. Callers must hold the channel lock. If no strategy
// confirms the exit the directory is left in place: deleting segments
// out from under a process that is still writing them would churn disk
// for nothing.
func (s *Supervisor) stopWorker(w *worker, reason string) {
	s.deregister(w)
	w.stopMonitor()

	stopped, outcomes := terminate(s.termination, w.proc, s.cfg.StopGracePeriod)
	for _, o := range outcomes {
		if o.OK {
			s.logger.Debug("termination strategy succeeded",
				slog.String("channel_key", w.channelKey),
				slog.String("strategy", o.Strategy))
		} else {
			s.logger.Warn("termination strategy failed",
				slog.String("channel_key", w.channelKey),
				slog.String("strategy", o.Strategy),
				slog.String("error", o.Err.Error()))
		}
	}
	if !stopped {
		s.logger.Error("transcode process would not die",
			slog.String("channel_key", w.channelKey),
			slog.String("worker_id", w.id),
			slog.Int("pid", w.proc.PID()))
		return
	}

	if err := s.sandbox.RemoveAll(w.dirRel); err != nil {
		s.logger.Warn("removing channel directory failed",
			slog.String("channel_key", w.channelKey),
			slog.String("error", err.Error()))
	}
	s.logger.Info("transcode worker stopped",
		slog.String("channel_key", w.channelKey),
		slog.String("worker_id", w.id),
		slog.String("reason", reason))
}

// Stop terminates the channel's worker if one exists. It reports
// whether a worker was stopped, so repeated calls are harmless.
func (s *Supervisor) Stop(channelKey string) bool {
	lock := s.channelLock(channelKey)
	lock.Lock()
	defer lock.Unlock()

	w := s.lookup(channelKey)
	if w == nil {
		return false
	}
	s.stopWorker(w, "requested")
	return true
}

// StopAll terminates every worker and returns how many were stopped.
func (s *Supervisor) StopAll() int {
	stopped := 0
	for _, key := range s.channelKeys() {
		if s.Stop(key) {
			stopped++
		}
	}
	return stopped
}

// SweepIdle stops workers whose last playlist request is older than
// olderThan. A non-positive value uses the configured idle timeout.
func (s *Supervisor) SweepIdle(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = s.cfg.IdleTimeout
	}
	now := s.now()
	stopped := 0
	for _, key := range s.channelKeys() {
		lock := s.channelLock(key)
		lock.Lock()
		if w := s.lookup(key); w != nil && now.Sub(w.activityAt()) > olderThan {
			s.stopWorker(w, "idle")
			stopped++
		}
		lock.Unlock()
	}
	if stopped > 0 {
		s.logger.Info("idle sweep stopped workers", slog.Int("count", stopped))
	}
	return stopped
}

// Touch marks the channel's worker as active. Playlist fetches route
// through here so a worker with viewers is never idle-swept.
func (s *Supervisor) Touch(channelKey string) bool {
	w := s.lookup(channelKey)
	if w == nil {
		return false
	}
	w.touch(s.now())
	return true
}

// Count returns the number of live workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Stats returns a snapshot of every worker, ordered by channel key.
func (s *Supervisor) Stats() []WorkerStats {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	now := s.now()
	stats := make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		stats = append(stats, w.snapshot(now))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ChannelKey < stats[j].ChannelKey
	})
	return stats
}

// playlistFresh reports whether the worker's playlist was rewritten
// recently. A playlist that stopped moving means ffmpeg is wedged even
// if the process is technically alive.
func (s *Supervisor) playlistFresh(w *worker) bool {
	info, err := s.sandbox.Stat(w.playlistRel)
	if err != nil {
		return false
	}
	return s.now().Sub(info.ModTime()) < s.cfg.PlaylistFreshness
}

func (s *Supervisor) lookup(channelKey string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[channelKey]
}

func (s *Supervisor) channelKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.workers))
	for key := range s.workers {
		keys = append(keys, key)
	}
	return keys
}

func (s *Supervisor) channelLock(channelKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[channelKey]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[channelKey] = lock
	}
	return lock
}

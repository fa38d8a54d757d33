package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/storage"
)

// readyPlaylist holds one complete segment, the minimum a player can
// start from.
const readyPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:4\n" +
	"#EXT-X-MEDIA-SEQUENCE:0\n" +
	"#EXTINF:4.000,\n" +
	"segment_00000.ts\n"

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

type fakeProcess struct {
	pid int

	mu        sync.Mutex
	done      chan struct{}
	exitErr   error
	signals   []os.Signal
	signalErr error // forced Signal failure, as from a lost process handle
	deaf      bool  // ignore interrupt
	immortal  bool  // survive kill
	stderr    []string
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exitErr = err
	close(p.done)
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) setSignalErr(err error) {
	p.mu.Lock()
	p.signalErr = err
	p.mu.Unlock()
}

func (p *fakeProcess) signalsSeen() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	forced := p.signalErr
	deaf := p.deaf
	p.mu.Unlock()

	if forced != nil {
		return forced
	}
	if p.exited() {
		return errors.New("os: process already finished")
	}
	if sig == os.Interrupt && !deaf {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	immortal := p.immortal
	p.mu.Unlock()
	if !immortal {
		p.exit(errors.New("signal: killed"))
	}
	return nil
}

func (p *fakeProcess) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stderr...)
}

type fakeFactory struct {
	mu       sync.Mutex
	specs    []SpawnSpec
	procs    []*fakeProcess
	spawnErr error
	playlist []byte // written to PlaylistPath on spawn when non-nil
	segment  []byte // written as the first segment on spawn when non-nil

	// configure runs on each spawned process before Spawn returns,
	// with the zero-based spawn index.
	configure func(index int, p *fakeProcess)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{playlist: []byte(readyPlaylist)}
}

func (f *fakeFactory) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		f.mu.Unlock()
		return nil, f.spawnErr
	}
	index := len(f.procs)
	proc := newFakeProcess(4000 + index)
	f.specs = append(f.specs, spec)
	f.procs = append(f.procs, proc)
	playlist, segment := f.playlist, f.segment
	configure := f.configure
	f.mu.Unlock()

	if configure != nil {
		configure(index, proc)
	}
	if segment != nil {
		segPath := filepath.Join(spec.OutputDir, "segment_00000.ts")
		if err := os.WriteFile(segPath, segment, 0o644); err != nil {
			return nil, err
		}
	}
	if playlist != nil {
		if err := os.WriteFile(spec.PlaylistPath, playlist, 0o644); err != nil {
			return nil, err
		}
	}
	return proc, nil
}

func (f *fakeFactory) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeFactory) spec(index int) SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[index]
}

func (f *fakeFactory) proc(index int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[index]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTranscoderConfig() config.TranscoderConfig {
	return config.TranscoderConfig{
		ReadyTimeout:      200 * time.Millisecond,
		ReadyPollInterval: 10 * time.Millisecond,
		StopGracePeriod:   25 * time.Millisecond,
	}
}

func setupSupervisorTest(t *testing.T, factory ProcessFactory, opts ...Option) (*Supervisor, *storage.Sandbox) {
	t.Helper()

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	sup := New(testTranscoderConfig(), sandbox, factory, discardLogger(), opts...)
	t.Cleanup(func() { sup.StopAll() })
	return sup, sandbox
}

func TestSupervisor_EnsurePlaylist_SpawnsWorker(t *testing.T) {
	factory := newFakeFactory()
	sup, sandbox := setupSupervisorTest(t, factory)

	rel, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)
	assert.Equal(t, "news-hd/index.m3u8", rel)
	assert.Equal(t, 1, sup.Count())

	require.Equal(t, 1, factory.spawnCount())
	spec := factory.spec(0)
	assert.Equal(t, "news-hd", spec.ChannelKey)
	assert.Equal(t, "http://upstream.example/news.ts", spec.SourceURL)
	assert.True(t, filepath.IsAbs(spec.OutputDir))
	assert.Equal(t, filepath.Join(spec.OutputDir, "index.m3u8"), spec.PlaylistPath)
	assert.Equal(t, filepath.Join(spec.OutputDir, "segment_%05d.ts"), spec.SegmentPattern)

	exists, err := sandbox.Exists("news-hd/index.m3u8")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSupervisor_EnsurePlaylist_ReusesHealthyWorker(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	first, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	second, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, factory.spawnCount(), "healthy worker should be reused, not respawned")
	assert.Equal(t, 1, sup.Count())
}

func TestSupervisor_EnsurePlaylist_ReplacesStaleWorker(t *testing.T) {
	factory := newFakeFactory()
	sup, sandbox := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	// Backdate the playlist past the freshness window to simulate a
	// wedged encoder that stopped writing segments.
	playlistPath, err := sandbox.Resolve("news-hd/index.m3u8")
	require.NoError(t, err)
	stale := time.Now().Add(-2 * DefaultPlaylistFreshness)
	require.NoError(t, os.Chtimes(playlistPath, stale, stale))

	rel, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	assert.Equal(t, "news-hd/index.m3u8", rel)
	assert.Equal(t, 2, factory.spawnCount(), "stale worker should be replaced")
	assert.True(t, factory.proc(0).exited(), "replaced process should be terminated")
	assert.Equal(t, 1, sup.Count())
}

func TestSupervisor_EnsurePlaylist_ReplacesWorkerWithLostProcess(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	// Signal probing fails but the exit channel never fired, as when
	// the pid was reaped behind our back.
	factory.proc(0).setSignalErr(errors.New("no such process"))

	rel, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	assert.Equal(t, "news-hd/index.m3u8", rel)
	assert.Equal(t, 2, factory.spawnCount())
	assert.Equal(t, 1, sup.Count())
}

func TestSupervisor_EnsurePlaylist_RespawnsAfterSelfExit(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	factory.proc(0).exit(errors.New("exit status 1"))

	// The exit listener deregisters the worker on its own.
	require.Eventually(t, func() bool {
		return sup.Count() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)
	assert.Equal(t, 2, factory.spawnCount())
}

func TestSupervisor_EnsurePlaylist_Timeout(t *testing.T) {
	factory := newFakeFactory()
	factory.playlist = nil // the encoder never produces a playlist
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.ErrorIs(t, err, ErrPlaylistNotReady)

	assert.Equal(t, 0, sup.Count())
	assert.True(t, factory.proc(0).exited(), "worker that never became ready should be stopped")
}

func TestSupervisor_EnsurePlaylist_PrematureExit(t *testing.T) {
	factory := newFakeFactory()
	factory.playlist = nil
	factory.configure = func(_ int, p *fakeProcess) {
		p.stderr = []string{"Connection refused"}
		p.exit(errors.New("exit status 1"))
	}
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before playlist became ready")
	assert.Contains(t, err.Error(), "Connection refused")
	assert.Equal(t, 0, sup.Count())
}

func TestSupervisor_EnsurePlaylist_ContextCanceled(t *testing.T) {
	factory := newFakeFactory()
	factory.playlist = nil
	sup, _ := setupSupervisorTest(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sup.EnsurePlaylist(ctx, "news-hd", "http://upstream.example/news.ts")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sup.Count())
}

func TestSupervisor_EnsurePlaylist_InvalidChannelKey(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	for _, key := range []string{"", "../evil", "a/b", ".hidden", "spaced key"} {
		_, err := sup.EnsurePlaylist(context.Background(), key, "http://upstream.example/news.ts")
		assert.ErrorIs(t, err, ErrInvalidChannelKey, "key %q", key)
	}
	assert.Equal(t, 0, factory.spawnCount())
}

func TestSupervisor_EnsurePlaylist_EmptySourceURL(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "")
	require.Error(t, err)
	assert.Equal(t, 0, factory.spawnCount())
}

func TestSupervisor_EnsurePlaylist_SpawnError(t *testing.T) {
	factory := newFakeFactory()
	factory.spawnErr = errors.New("ffmpeg not found")
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawning transcode process")
	assert.Equal(t, 0, sup.Count())
}

func TestSupervisor_EnsurePlaylist_ConcurrentSameChannel(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "news-hd/index.m3u8", results[i])
	}
	assert.Equal(t, 1, factory.spawnCount(), "concurrent requests must share one worker")
}

func TestSupervisor_Stop(t *testing.T) {
	factory := newFakeFactory()
	sup, sandbox := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	assert.True(t, sup.Stop("news-hd"))
	assert.Equal(t, 0, sup.Count())
	assert.True(t, factory.proc(0).exited())

	exists, err := sandbox.Exists("news-hd")
	require.NoError(t, err)
	assert.False(t, exists, "channel directory should be removed on stop")

	assert.False(t, sup.Stop("news-hd"), "second stop is a no-op")
}

func TestSupervisor_Stop_GracefulBeforeKill(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	require.True(t, sup.Stop("news-hd"))

	signals := factory.proc(0).signalsSeen()
	require.NotEmpty(t, signals)
	assert.Equal(t, os.Interrupt, signals[len(signals)-1], "a cooperative process should only see interrupt")
}

func TestSupervisor_Stop_KillsDeafProcess(t *testing.T) {
	factory := newFakeFactory()
	factory.configure = func(_ int, p *fakeProcess) {
		p.deaf = true
	}
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	require.True(t, sup.Stop("news-hd"))
	assert.True(t, factory.proc(0).exited(), "kill should finish what interrupt could not")
}

func TestSupervisor_Stop_LeavesDirWhenProcessWontDie(t *testing.T) {
	factory := newFakeFactory()
	factory.configure = func(_ int, p *fakeProcess) {
		p.deaf = true
		p.immortal = true
	}
	sup, sandbox := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	assert.True(t, sup.Stop("news-hd"))
	assert.Equal(t, 0, sup.Count())

	// The process is still writing; deleting its directory would only
	// churn disk.
	exists, err := sandbox.Exists("news-hd")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSupervisor_StopAll(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	for _, key := range []string{"news-hd", "sports-hd", "movies-hd"} {
		_, err := sup.EnsurePlaylist(context.Background(), key, "http://upstream.example/"+key+".ts")
		require.NoError(t, err)
	}
	require.Equal(t, 3, sup.Count())

	assert.Equal(t, 3, sup.StopAll())
	assert.Equal(t, 0, sup.Count())
	assert.Equal(t, 0, sup.StopAll())
}

func TestSupervisor_SweepIdle(t *testing.T) {
	factory := newFakeFactory()
	clock := &fakeClock{now: time.Now()}

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	sup := New(testTranscoderConfig(), sandbox, factory, discardLogger(), WithClock(clock.Now))
	t.Cleanup(func() { sup.StopAll() })

	_, err = sup.EnsurePlaylist(context.Background(), "abandoned", "http://upstream.example/a.ts")
	require.NoError(t, err)

	clock.Advance(DefaultIdleTimeout + time.Minute)

	_, err = sup.EnsurePlaylist(context.Background(), "watched", "http://upstream.example/b.ts")
	require.NoError(t, err)

	assert.Equal(t, 1, sup.SweepIdle(0))
	assert.Equal(t, 1, sup.Count())
	assert.False(t, sup.Stop("abandoned"), "idle worker should already be gone")
	assert.True(t, sup.Stop("watched"))
}

func TestSupervisor_SweepIdle_TouchedWorkerSurvives(t *testing.T) {
	factory := newFakeFactory()
	clock := &fakeClock{now: time.Now()}

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	sup := New(testTranscoderConfig(), sandbox, factory, discardLogger(), WithClock(clock.Now))
	t.Cleanup(func() { sup.StopAll() })

	_, err = sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	// A playlist request inside the window refreshes the activity time.
	// A live encoder keeps rewriting the playlist, so move its mtime
	// along with the clock.
	clock.Advance(DefaultIdleTimeout - time.Minute)
	playlistPath, err := sandbox.Resolve("news-hd/index.m3u8")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(playlistPath, clock.Now(), clock.Now()))

	_, err = sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)
	require.Equal(t, 1, factory.spawnCount(), "in-window request should reuse the worker")

	clock.Advance(DefaultIdleTimeout - time.Minute)
	assert.Equal(t, 0, sup.SweepIdle(0))
	assert.Equal(t, 1, sup.Count())
}

func TestSupervisor_Touch(t *testing.T) {
	factory := newFakeFactory()
	clock := &fakeClock{now: time.Now()}

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	sup := New(testTranscoderConfig(), sandbox, factory, discardLogger(), WithClock(clock.Now))
	t.Cleanup(func() { sup.StopAll() })

	_, err = sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	assert.False(t, sup.Touch("unknown"))

	clock.Advance(DefaultIdleTimeout + time.Minute)
	require.True(t, sup.Touch("news-hd"))
	assert.Equal(t, 0, sup.SweepIdle(0), "touched worker is not idle")
	assert.Equal(t, 1, sup.Count())
}

func TestSupervisor_Stats(t *testing.T) {
	factory := newFakeFactory()
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "sports-hd", "http://upstream.example/sports.ts")
	require.NoError(t, err)
	_, err = sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	stats := sup.Stats()
	require.Len(t, stats, 2)

	assert.Equal(t, "news-hd", stats[0].ChannelKey)
	assert.Equal(t, "sports-hd", stats[1].ChannelKey)
	for _, ws := range stats {
		assert.NotEmpty(t, ws.ID)
		assert.Greater(t, ws.PID, 0)
		assert.Equal(t, ws.ChannelKey+"/index.m3u8", ws.PlaylistPath)
		assert.False(t, ws.StartedAt.IsZero())
		assert.GreaterOrEqual(t, ws.UptimeSeconds, 0.0)
		assert.GreaterOrEqual(t, ws.IdleSeconds, 0.0)
	}
}

func TestSupervisor_Stats_IncludesProbedCodecs(t *testing.T) {
	factory := newFakeFactory()
	factory.segment = buildTransportSegment(t, 256, 257)
	sup, _ := setupSupervisorTest(t, factory)

	_, err := sup.EnsurePlaylist(context.Background(), "news-hd", "http://upstream.example/news.ts")
	require.NoError(t, err)

	stats := sup.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "h264", stats[0].VideoCodec)
	assert.Equal(t, "aac", stats[0].AudioCodec)
}

func TestNormalizeConfig_Defaults(t *testing.T) {
	cfg := normalizeConfig(config.TranscoderConfig{})

	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "libx264", cfg.VideoCodec)
	assert.Equal(t, "aac", cfg.AudioCodec)
	assert.Equal(t, DefaultSegmentDuration, cfg.SegmentDuration)
	assert.Equal(t, DefaultPlaylistSize, cfg.PlaylistSize)
	assert.Equal(t, DefaultPlaylistFreshness, cfg.PlaylistFreshness)
	assert.Equal(t, DefaultReadyTimeout, cfg.ReadyTimeout)
	assert.Equal(t, DefaultReadyPollInterval, cfg.ReadyPollInterval)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultStopGracePeriod, cfg.StopGracePeriod)
}

func TestNormalizeConfig_KeepsExplicitValues(t *testing.T) {
	in := config.TranscoderConfig{
		FFmpegPath:      "/opt/ffmpeg/bin/ffmpeg",
		VideoCodec:      "libx265",
		AudioCodec:      "libopus",
		SegmentDuration: 2,
		PlaylistSize:    10,
	}
	cfg := normalizeConfig(in)

	assert.Equal(t, in.FFmpegPath, cfg.FFmpegPath)
	assert.Equal(t, in.VideoCodec, cfg.VideoCodec)
	assert.Equal(t, in.AudioCodec, cfg.AudioCodec)
	assert.Equal(t, in.SegmentDuration, cfg.SegmentDuration)
	assert.Equal(t, in.PlaylistSize, cfg.PlaylistSize)
}

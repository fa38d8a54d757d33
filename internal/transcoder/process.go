package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/ffmpeg"
)

// SpawnSpec describes one transcode process to launch.
type SpawnSpec struct {
	ChannelKey     string
	SourceURL      string
	OutputDir      string // absolute, already created
	PlaylistPath   string // absolute path of the media playlist ffmpeg writes
	SegmentPattern string // absolute segment filename pattern
}

// Process is a handle on a spawned transcode process. Done is closed when
// the process exits; Err is only meaningful after that.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Err() error
	Signal(sig os.Signal) error
	Kill() error
	// StderrTail returns the most recent stderr lines for diagnostics.
	StderrTail() []string
}

// ProcessFactory spawns transcode processes. The real factory runs ffmpeg;
// tests substitute their own.
type ProcessFactory interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// FFmpegFactory spawns ffmpeg processes producing segmented HLS.
type FFmpegFactory struct {
	cfg config.TranscoderConfig
}

// NewFFmpegFactory creates the ffmpeg-backed process factory.
func NewFFmpegFactory(cfg config.TranscoderConfig) *FFmpegFactory {
	return &FFmpegFactory{cfg: normalizeConfig(cfg)}
}

var _ ProcessFactory = (*FFmpegFactory)(nil)

// Spawn builds and starts the ffmpeg command for one channel. The process
// deliberately does not inherit ctx: its lifetime belongs to the
// supervisor, not to the request that happened to trigger the spawn.
func (f *FFmpegFactory) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	cmd := ffmpeg.NewBuilder(f.cfg.FFmpegPath).
		HideBanner().
		Overwrite().
		Reconnect().
		Input(spec.SourceURL).
		Codecs(f.cfg.VideoCodec, f.cfg.AudioCodec).
		HLS(ffmpeg.HLSOutput{
			SegmentSeconds: f.cfg.SegmentDuration,
			PlaylistSize:   f.cfg.PlaylistSize,
			SegmentPattern: spec.SegmentPattern,
		}).
		StderrLog(filepath.Join(spec.OutputDir, "ffmpeg.log")).
		Output(spec.PlaylistPath).
		Build()

	procCtx, cancel := context.WithCancel(context.Background())
	if err := cmd.Start(procCtx); err != nil {
		cancel()
		return nil, err
	}

	p := &ffmpegProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		cancel()
		close(p.done)
	}()
	return p, nil
}

// ffmpegProcess adapts an ffmpeg.Command to the Process interface.
type ffmpegProcess struct {
	cmd  *ffmpeg.Command
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *ffmpegProcess) PID() int              { return p.cmd.PID() }
func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *ffmpegProcess) Signal(sig os.Signal) error { return p.cmd.Signal(sig) }
func (p *ffmpegProcess) Kill() error                { return p.cmd.Kill() }
func (p *ffmpegProcess) StderrTail() []string       { return p.cmd.StderrTail() }

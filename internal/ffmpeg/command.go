package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HLSOutput describes the segmented output a transcode run produces.
type HLSOutput struct {
	// SegmentSeconds is the target duration of each segment.
	SegmentSeconds int

	// PlaylistSize is how many segments the rolling playlist keeps;
	// older segments are deleted by ffmpeg itself.
	PlaylistSize int

	// SegmentPattern is the absolute segment filename pattern, e.g.
	// "/data/hls/ch1/segment_%05d.ts".
	SegmentPattern string

	// StartNumber numbers the first segment.
	StartNumber int
}

// Builder assembles the argument list for one ffmpeg run. Arguments are
// emitted in a fixed order regardless of call order.
type Builder struct {
	binary    string
	logLevel  string
	banner    bool
	overwrite bool
	reconnect bool
	source    string
	video     string
	audio     string
	hls       *HLSOutput
	stderrLog string
	dest      string
}

// NewBuilder creates a builder for the given ffmpeg binary. The log
// level defaults to "error"; progress chatter goes unread anyway.
func NewBuilder(binary string) *Builder {
	return &Builder{binary: binary, logLevel: "error"}
}

// LogLevel overrides the ffmpeg log level.
func (b *Builder) LogLevel(level string) *Builder {
	b.logLevel = level
	return b
}

// HideBanner suppresses the version banner on stderr.
func (b *Builder) HideBanner() *Builder {
	b.banner = true
	return b
}

// Overwrite lets ffmpeg replace existing output files.
func (b *Builder) Overwrite() *Builder {
	b.overwrite = true
	return b
}

// Reconnect enables automatic reconnection for network inputs.
func (b *Builder) Reconnect() *Builder {
	b.reconnect = true
	return b
}

// Input sets the source URL.
func (b *Builder) Input(url string) *Builder {
	b.source = url
	return b
}

// Codecs sets the video and audio codecs. "copy" passes the stream
// through unchanged.
func (b *Builder) Codecs(video, audio string) *Builder {
	b.video, b.audio = video, audio
	return b
}

// HLS configures segmented HLS output.
func (b *Builder) HLS(out HLSOutput) *Builder {
	b.hls = &out
	return b
}

// StderrLog appends ffmpeg's stderr to the given file for diagnostics.
func (b *Builder) StderrLog(path string) *Builder {
	b.stderrLog = path
	return b
}

// Output sets the destination, typically the media playlist path.
func (b *Builder) Output(dest string) *Builder {
	b.dest = dest
	return b
}

// Build produces the runnable command.
func (b *Builder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	if b.banner {
		args = append(args, "-hide_banner")
	}
	if b.overwrite {
		args = append(args, "-y")
	}
	if b.reconnect {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5")
	}
	args = append(args, "-i", b.source)
	if b.video != "" {
		args = append(args, "-c:v", b.video)
	}
	if b.audio != "" {
		args = append(args, "-c:a", b.audio)
	}
	if h := b.hls; h != nil {
		args = append(args,
			"-f", "hls",
			"-hls_time", strconv.Itoa(h.SegmentSeconds),
			"-hls_list_size", strconv.Itoa(h.PlaylistSize),
			"-hls_flags", "delete_segments",
			"-hls_segment_filename", h.SegmentPattern,
			"-start_number", strconv.Itoa(h.StartNumber))
	}
	args = append(args, b.dest)

	return &Command{binary: b.binary, args: args, logPath: b.stderrLog}
}

// Command is one prepared ffmpeg invocation. Start may be called once.
type Command struct {
	binary  string
	args    []string
	logPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	drained chan struct{}

	tail stderrTail
}

// String renders the full command line.
func (c *Command) String() string {
	return c.binary + " " + strings.Join(c.args, " ")
}

// Start launches the process. Stderr is captured into a bounded tail
// and, when configured, a log file, so exit diagnostics survive the
// process. Canceling ctx kills the process.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("ffmpeg already started")
	}

	cmd := exec.CommandContext(ctx, c.binary, c.args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	c.cmd = cmd
	c.drained = make(chan struct{})
	go c.drainStderr(stderr, c.drained)
	return nil
}

// Wait blocks until the process exits and its stderr is fully drained,
// then returns the exit error.
func (c *Command) Wait() error {
	c.mu.Lock()
	cmd, drained := c.cmd, c.drained
	c.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("ffmpeg not started")
	}

	// The pipe must reach EOF before Wait reaps the process, or the
	// last stderr lines are lost.
	<-drained
	return cmd.Wait()
}

// Signal forwards sig to the process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("ffmpeg not started")
	}
	return cmd.Process.Signal(sig)
}

// Kill terminates the process immediately. Killing a process that never
// started or already exited is not an error.
func (c *Command) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// PID returns the process id, or 0 before Start.
func (c *Command) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// StderrTail returns the most recent stderr lines.
func (c *Command) StderrTail() []string {
	return c.tail.snapshot()
}

func (c *Command) drainStderr(r io.Reader, drained chan struct{}) {
	defer close(drained)

	var logFile *os.File
	if c.logPath != "" {
		f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			logFile = f
			defer logFile.Close()
			fmt.Fprintf(logFile, "# started %s\n# %s\n", time.Now().Format(time.RFC3339), c.String())
		}
		// A failed open still leaves the in-memory tail.
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		c.tail.add(line)
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "# exited %s\n", time.Now().Format(time.RFC3339))
	}
}

// stderrTailLines bounds the in-memory stderr tail per process.
const stderrTailLines = 100

// stderrTail is a fixed-size ring of the most recent lines.
type stderrTail struct {
	mu    sync.Mutex
	ring  [stderrTailLines]string
	total int
}

func (t *stderrTail) add(line string) {
	t.mu.Lock()
	t.ring[t.total%stderrTailLines] = line
	t.total++
	t.mu.Unlock()
}

func (t *stderrTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := min(t.total, stderrTailLines)
	out := make([]string, 0, n)
	for i := t.total - n; i < t.total; i++ {
		out = append(out, t.ring[i%stderrTailLines])
	}
	return out
}

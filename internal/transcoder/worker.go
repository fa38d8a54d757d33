package transcoder

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thomasbambino/streamcore/internal/ffmpeg"
)

// worker is one live transcode process bound to a channel key.
type worker struct {
	id          string
	channelKey  string
	proc        Process
	dirRel      string // per-channel directory, relative to the output root
	playlistRel string // media playlist, relative to the output root
	spawnedAt   time.Time

	mu           sync.Mutex
	lastActivity time.Time
	videoCodec   string
	audioCodec   string
	monitor      *ffmpeg.ProcessMonitor
}

func newWorker(channelKey string, proc Process, dirRel, playlistRel string, now time.Time) *worker {
	return &worker{
		id:           uuid.New().String(),
		channelKey:   channelKey,
		proc:         proc,
		dirRel:       dirRel,
		playlistRel:  playlistRel,
		spawnedAt:    now,
		lastActivity: now,
	}
}

func (w *worker) touch(now time.Time) {
	w.mu.Lock()
	w.lastActivity = now
	w.mu.Unlock()
}

func (w *worker) activityAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

func (w *worker) setCodecs(video, audio string) {
	w.mu.Lock()
	w.videoCodec = video
	w.audioCodec = audio
	w.mu.Unlock()
}

func (w *worker) startMonitor() {
	pid := w.proc.PID()
	if pid <= 0 {
		return
	}
	m := ffmpeg.NewProcessMonitor(pid)
	m.Start()

	w.mu.Lock()
	w.monitor = m
	w.mu.Unlock()
}

func (w *worker) stopMonitor() {
	w.mu.Lock()
	m := w.monitor
	w.monitor = nil
	w.mu.Unlock()

	if m != nil {
		m.Stop()
	}
}

// WorkerStats is a point-in-time snapshot of one worker for the health
// surface.
type WorkerStats struct {
	ID            string    `json:"id"`
	ChannelKey    string    `json:"channel_key"`
	PID           int       `json:"pid,omitempty"`
	PlaylistPath  string    `json:"playlist_path"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	IdleSeconds   float64   `json:"idle_seconds"`
	VideoCodec    string    `json:"video_codec,omitempty"`
	AudioCodec    string    `json:"audio_codec,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemoryRSSMB   float64   `json:"memory_rss_mb,omitempty"`
}

func (w *worker) snapshot(now time.Time) WorkerStats {
	w.mu.Lock()
	last := w.lastActivity
	video, audio := w.videoCodec, w.audioCodec
	monitor := w.monitor
	w.mu.Unlock()

	stats := WorkerStats{
		ID:            w.id,
		ChannelKey:    w.channelKey,
		PID:           w.proc.PID(),
		PlaylistPath:  w.playlistRel,
		StartedAt:     w.spawnedAt,
		UptimeSeconds: now.Sub(w.spawnedAt).Seconds(),
		IdleSeconds:   now.Sub(last).Seconds(),
		VideoCodec:    video,
		AudioCodec:    audio,
	}
	if monitor != nil {
		ps := monitor.Stats()
		stats.CPUPercent = ps.CPUPercent
		stats.MemoryRSSMB = ps.MemoryRSSMB
	}
	return stats
}

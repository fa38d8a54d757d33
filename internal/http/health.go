package http

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/thomasbambino/streamcore/internal/database"
	"github.com/thomasbambino/streamcore/internal/epg"
	"github.com/thomasbambino/streamcore/internal/ledger"
	"github.com/thomasbambino/streamcore/internal/scheduler"
	"github.com/thomasbambino/streamcore/internal/transcoder"
	"github.com/thomasbambino/streamcore/pkg/duration"
	"github.com/thomasbambino/streamcore/pkg/format"
)

type healthHandler struct {
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
}

func newHealthHandler(deps Deps, logger *slog.Logger) *healthHandler {
	return &healthHandler{
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

type cpuInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

type memoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	// ProcessTreeMB includes the ffmpeg children the supervisor runs.
	ProcessMB      float64 `json:"process_mb"`
	ProcessTreeMB  float64 `json:"process_tree_mb"`
	ChildProcesses int     `json:"child_processes"`
}

type databaseHealth struct {
	Status         string              `json:"status"`
	Driver         string              `json:"driver,omitempty"`
	ResponseTimeMs float64             `json:"response_time_ms,omitempty"`
	Pool           *database.PoolStats `json:"pool,omitempty"`
}

type storageHealth struct {
	OutputUsedBytes int64  `json:"output_used_bytes"`
	OutputUsed      string `json:"output_used"`
}

type healthResponse struct {
	Status        string                   `json:"status"`
	Timestamp     string                   `json:"timestamp"`
	Version       string                   `json:"version"`
	Uptime        string                   `json:"uptime"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	CPU           cpuInfo                  `json:"cpu"`
	Memory        memoryInfo               `json:"memory"`
	Database      databaseHealth           `json:"database"`
	Sessions      ledger.Stats             `json:"sessions"`
	Workers       []transcoder.WorkerStats `json:"workers"`
	Jobs          []scheduler.JobStatus    `json:"jobs,omitempty"`
	Guide         *epg.GuideStats          `json:"guide,omitempty"`
	Storage       storageHealth            `json:"storage"`
}

func (h *healthHandler) get(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	uptime := now.Sub(h.startedAt)

	resp := healthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.deps.Version,
		Uptime:        duration.Format(uptime.Round(time.Second)),
		UptimeSeconds: uptime.Seconds(),
		CPU:           h.cpuInfo(),
		Memory:        h.memoryInfo(),
		Database:      h.databaseHealth(r.Context()),
		Sessions:      h.deps.Ledger.Stats(),
		Workers:       h.deps.Supervisor.Stats(),
		Storage:       h.storageHealth(),
	}
	if h.deps.Scheduler != nil {
		resp.Jobs = h.deps.Scheduler.Statuses()
	}
	if h.deps.Guide != nil {
		stats := h.deps.Guide.GuideStats()
		resp.Guide = &stats
	}
	if resp.Database.Status == "error" {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *healthHandler) cpuInfo() cpuInfo {
	cores := runtime.NumCPU()
	info := cpuInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func (h *healthHandler) memoryInfo() memoryInfo {
	info := memoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if memStat, err := proc.MemoryInfo(); err == nil && memStat != nil {
		info.ProcessMB = float64(memStat.RSS) / 1024 / 1024
		info.ProcessTreeMB = info.ProcessMB
	}
	if children, err := proc.Children(); err == nil {
		info.ChildProcesses = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				info.ProcessTreeMB += float64(childMem.RSS) / 1024 / 1024
			}
		}
	}
	return info
}

func (h *healthHandler) databaseHealth(ctx context.Context) databaseHealth {
	if h.deps.DB == nil {
		return databaseHealth{Status: "absent"}
	}

	health := databaseHealth{Status: "ok", Driver: h.deps.DB.Driver()}
	start := time.Now()
	err := h.deps.DB.Ping(ctx)
	health.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
		return health
	}

	if pool, err := h.deps.DB.Stats(); err == nil {
		health.Pool = &pool
	}
	return health
}

func (h *healthHandler) storageHealth() storageHealth {
	info := storageHealth{}
	if h.deps.Output == nil {
		return info
	}

	used, err := h.deps.Output.UsedBytes()
	if err != nil {
		h.logger.Debug("measuring output usage failed", slog.String("error", err.Error()))
		return info
	}
	info.OutputUsedBytes = used
	info.OutputUsed = format.Bytes(used)
	return info
}

package observability

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// HostInfo identifies the machine the server runs on. Read once for the
// boot log; none of it changes while the process lives.
type HostInfo struct {
	Hostname    string
	Platform    string
	OS          string
	Cores       int
	MemoryTotal uint64
}

// ReadHostInfo gathers host identity, best effort. Probes that fail
// leave their fields zero.
func ReadHostInfo(ctx context.Context) HostInfo {
	info := HostInfo{OS: runtime.GOOS + "/" + runtime.GOARCH}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.Cores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
	}
	return info
}

// HostStats is one resource snapshot for the periodic host log.
// Transcoding saturates CPU and the segment filesystem first; the
// network rates show what playback is pushing out.
type HostStats struct {
	CPUPercent float64
	Load1      float64
	Load5      float64
	Load15     float64

	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
	SwapUsed      uint64

	// Disk numbers cover the filesystem holding the segment output,
	// which is what fills up first.
	DiskPercent float64
	DiskFree    uint64
	DiskTotal   uint64

	// Per-second rates derived from the previous snapshot; zero on the
	// first collection.
	NetSentPerSec float64
	NetRecvPerSec float64

	CPUPressure    *PressureStats
	MemoryPressure *PressureStats
	IOPressure     *PressureStats
}

// PressureStats holds the "some" averages of a Linux pressure stall
// file: the percentage of wall time at least one task was stalled on
// the resource.
type PressureStats struct {
	Avg10  float64
	Avg60  float64
	Avg300 float64
}

// StatsCollector produces HostStats snapshots. It remembers the
// network counters of the previous collection so consecutive snapshots
// carry transfer rates.
type StatsCollector struct {
	diskPath string

	mu        sync.Mutex
	netSent   uint64
	netRecv   uint64
	netSeenAt time.Time
}

// NewStatsCollector creates a collector. diskPath selects the
// filesystem to report, typically the storage base directory; when
// empty the working directory's filesystem is measured.
func NewStatsCollector(diskPath string) *StatsCollector {
	return &StatsCollector{diskPath: diskPath}
}

// Collect takes a snapshot. Probes are best effort; whatever fails
// leaves its fields zero.
func (c *StatsCollector) Collect(ctx context.Context) HostStats {
	var stats HostStats

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1, stats.Load5, stats.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsed = vm.Used
		stats.MemoryTotal = vm.Total
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		stats.SwapUsed = swap.Used
	}

	path := c.diskPath
	if path == "" {
		path, _ = os.Getwd()
	}
	if usage, err := disk.UsageWithContext(ctx, path); err == nil {
		stats.DiskPercent = usage.UsedPercent
		stats.DiskFree = usage.Free
		stats.DiskTotal = usage.Total
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		stats.NetSentPerSec, stats.NetRecvPerSec = c.netRates(counters[0])
	}

	// The pressure files exist only on Linux; elsewhere these stay nil.
	stats.CPUPressure = readPSI("/proc/pressure/cpu")
	stats.MemoryPressure = readPSI("/proc/pressure/memory")
	stats.IOPressure = readPSI("/proc/pressure/io")

	return stats
}

// netRates folds the sampled counters into the collector's memory and
// returns per-second send and receive rates since the previous sample.
func (c *StatsCollector) netRates(sample net.IOCountersStat) (sent, recv float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.netSeenAt.IsZero() {
		elapsed := now.Sub(c.netSeenAt)
		sent = rate(sample.BytesSent, c.netSent, elapsed)
		recv = rate(sample.BytesRecv, c.netRecv, elapsed)
	}
	c.netSent = sample.BytesSent
	c.netRecv = sample.BytesRecv
	c.netSeenAt = now
	return sent, recv
}

// rate converts counter growth into a per-second figure. A counter
// behind its previous reading has wrapped or reset; that yields zero
// rather than a nonsense rate.
func rate(current, previous uint64, elapsed time.Duration) float64 {
	if current < previous || elapsed <= 0 {
		return 0
	}
	return float64(current-previous) / elapsed.Seconds()
}

// readPSI parses the "some" line of a Linux pressure stall file:
//
//	some avg10=1.23 avg60=0.50 avg300=0.10 total=12345
//
// It returns nil when the file is missing or holds no such line.
func readPSI(path string) *PressureStats {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "some" {
			continue
		}

		var stats PressureStats
		for _, field := range fields[1:] {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			avg, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			switch key {
			case "avg10":
				stats.Avg10 = avg
			case "avg60":
				stats.Avg60 = avg
			case "avg300":
				stats.Avg300 = avg
			}
		}
		return &stats
	}
	return nil
}

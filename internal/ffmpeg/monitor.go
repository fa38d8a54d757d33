package ffmpeg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessStats is a point-in-time resource sample of one process.
type ProcessStats struct {
	PID            int           `json:"pid"`
	CPUPercent     float64       `json:"cpu_percent"`
	CPUTotal       time.Duration `json:"cpu_total"`
	MemoryRSSBytes uint64        `json:"memory_rss_bytes"`
	MemoryRSSMB    float64       `json:"memory_rss_mb"`
	SampledAt      time.Time     `json:"sampled_at"`
}

// ProcessMonitor samples CPU and memory usage of one process each second
// by reading /proc. On systems without /proc, samples carry only the PID
// and timestamp.
type ProcessMonitor struct {
	pid      int
	interval time.Duration

	mu    sync.RWMutex
	stats ProcessStats

	// prevCPU and prevAt belong to the sampling goroutine.
	prevCPU time.Duration
	prevAt  time.Time

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProcessMonitor creates a monitor for pid. Call Start to begin
// sampling.
func NewProcessMonitor(pid int) *ProcessMonitor {
	return &ProcessMonitor{
		pid:      pid,
		interval: time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop. Subsequent calls are no-ops.
func (m *ProcessMonitor) Start() {
	m.startOnce.Do(func() {
		m.prevAt = time.Now()
		m.started.Store(true)
		go m.run()
	})
}

// Stop ends sampling and waits for the loop to exit.
func (m *ProcessMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

// Stats returns the most recent sample.
func (m *ProcessMonitor) Stats() ProcessStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *ProcessMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample(time.Now())
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sample(now)
		}
	}
}

func (m *ProcessMonitor) sample(now time.Time) {
	s := ProcessStats{PID: m.pid, SampledAt: now}

	// Probe errors mean the process exited or /proc is unavailable;
	// either way the fields stay zero.
	if cpu, err := processCPUTime(m.pid); err == nil {
		s.CPUTotal = cpu
		if wall := now.Sub(m.prevAt); wall > 0 && m.prevCPU > 0 {
			s.CPUPercent = float64(cpu-m.prevCPU) / float64(wall) * 100
		}
		m.prevCPU = cpu
		m.prevAt = now
	}
	if rss, err := processRSS(m.pid); err == nil {
		s.MemoryRSSBytes = rss
		s.MemoryRSSMB = float64(rss) / (1 << 20)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}

// clockTicksPerSec is Linux's USER_HZ, the unit of the utime and stime
// counters. Reading it portably needs sysconf via cgo; 100 holds on
// every mainstream kernel build.
const clockTicksPerSec = 100

// processCPUTime returns cumulative user plus system CPU time from
// /proc/<pid>/stat. The comm field may contain spaces and parentheses,
// so fields are counted from the last closing parenthesis.
func processCPUTime(pid int) (time.Duration, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	stat := string(data)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}

	// After comm: state ppid pgrp session tty tpgid flags minflt
	// cminflt majflt cmajflt utime stime ...
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}

	utime, uerr := strconv.ParseUint(fields[11], 10, 64)
	stime, serr := strconv.ParseUint(fields[12], 10, 64)
	if uerr != nil || serr != nil {
		return 0, fmt.Errorf("malformed cpu counters for pid %d", pid)
	}

	return time.Duration(utime+stime) * (time.Second / clockTicksPerSec), nil
}

// processRSS returns resident memory in bytes from /proc/<pid>/statm,
// whose second field is the resident page count.
func processRSS(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm for pid %d", pid)
	}

	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(os.Getpagesize()), nil
}

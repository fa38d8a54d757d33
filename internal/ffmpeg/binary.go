// Package ffmpeg wraps the ffmpeg binary: locating and probing it,
// assembling transcode command lines, and sampling resource usage of
// running processes.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

// ffmpegPathEnv overrides binary discovery, taking precedence over the
// working directory and PATH.
const ffmpegPathEnv = "STREAMCORE_FFMPEG_BINARY"

// probeTimeout bounds each probe invocation so a wedged binary cannot
// stall startup.
const probeTimeout = 10 * time.Second

// BinaryInfo describes a detected ffmpeg installation.
type BinaryInfo struct {
	FFmpegPath string   `json:"ffmpeg_path"`
	Version    string   `json:"version"`
	Encoders   []string `json:"encoders,omitempty"`
}

// HasEncoder reports whether the build ships the named encoder. "copy"
// is not an encoder and is always available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	if name == "copy" {
		return true
	}
	return slices.Contains(info.Encoders, name)
}

// BinaryDetector resolves the ffmpeg binary and probes its version and
// encoder list, caching the result for a TTL.
type BinaryDetector struct {
	path     string
	cacheTTL time.Duration

	mu       sync.RWMutex
	info     *BinaryInfo
	probedAt time.Time
}

// NewBinaryDetector creates a detector with a five minute cache.
func NewBinaryDetector() *BinaryDetector {
	return &BinaryDetector{cacheTTL: 5 * time.Minute}
}

// WithCacheTTL overrides how long probe results are reused.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// WithPath pins detection to an explicit binary path instead of
// searching. An empty path leaves the search behavior unchanged.
func (d *BinaryDetector) WithPath(path string) *BinaryDetector {
	d.path = path
	return d
}

// Detect returns information about the ffmpeg binary, probing it if the
// cached result is missing or expired.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.fresh() {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fresh() {
		return d.info, nil
	}

	info, err := d.probe(ctx)
	if err != nil {
		return nil, err
	}
	d.info = info
	d.probedAt = time.Now()
	return info, nil
}

// fresh reports whether the cached probe is still valid. Callers hold
// at least a read lock.
func (d *BinaryDetector) fresh() bool {
	return d.info != nil && time.Since(d.probedAt) < d.cacheTTL
}

// Clear drops the cached probe so the next Detect runs fresh.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	d.info = nil
	d.probedAt = time.Time{}
	d.mu.Unlock()
}

func (d *BinaryDetector) probe(ctx context.Context) (*BinaryInfo, error) {
	path := d.path
	if path == "" {
		found, err := findBinary("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		path = found
	}

	version, err := probeVersion(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probing ffmpeg version: %w", err)
	}

	info := &BinaryInfo{FFmpegPath: path, Version: version}

	// Encoder listing is best effort; an odd build without it still
	// serves copy-mode sessions.
	if encoders, err := probeEncoders(ctx, path); err == nil {
		info.Encoders = encoders
	}
	return info, nil
}

// probeVersion runs "ffmpeg -version" and extracts the version token
// from its banner line, e.g. "6.1.1" from
// "ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 ...".
func probeVersion(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", err
	}

	line, _, _ := bytes.Cut(out, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 3 || fields[0] != "ffmpeg" || fields[1] != "version" {
		return "", fmt.Errorf("unrecognized version banner %q", string(line))
	}

	// Static builds tag versions like "n6.1"; normalize those.
	return strings.TrimPrefix(fields[2], "n"), nil
}

// probeEncoders runs "ffmpeg -encoders" and returns the names of the
// video, audio, and subtitle encoders the build ships.
func probeEncoders(ctx context.Context, path string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, err
	}

	// The listing is a legend followed by a "------" separator, then
	// one encoder per line: " V....D libx264  H.264 / AVC ...".
	var encoders []string
	var past bool
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !past {
			past = strings.HasPrefix(line, "---")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			encoders = append(encoders, fields[1])
		}
	}
	return encoders, sc.Err()
}

// findBinary locates an executable, checking the STREAMCORE_FFMPEG_BINARY
// environment variable, then the working directory, then PATH.
func findBinary(name string) (string, error) {
	if p := os.Getenv(ffmpegPathEnv); p != "" {
		if isExecutable(p) {
			return p, nil
		}
		return "", fmt.Errorf("%s=%q is not an executable file", ffmpegPathEnv, p)
	}

	local := "./" + name
	if isExecutable(local) {
		return local, nil
	}

	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%q not in working directory or PATH: %w", name, err)
	}
	return p, nil
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0111 != 0
}

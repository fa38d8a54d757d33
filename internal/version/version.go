// Package version provides build-time version information for streamcore.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/thomasbambino/streamcore/internal/version.Version=x.y.z \
//	                   -X github.com/thomasbambino/streamcore/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/thomasbambino/streamcore/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "streamcore"

// Injected via ldflags; the defaults identify a local development build.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the structured form of the build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get collects the build and runtime information.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// shortCommit returns the abbreviated commit SHA, or "" for builds
// without one.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

// String returns the full human-readable version line.
func String() string {
	info := Get()
	if sha := shortCommit(); sha != "" {
		return fmt.Sprintf("%s version %s (commit %s, built %s, %s, %s)",
			ApplicationName, info.Version, sha, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)",
		ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns a short version string for cobra's --version output. The
// application name is omitted because cobra's version template prepends it.
func Short() string {
	if sha := shortCommit(); sha != "" {
		return fmt.Sprintf("%s (%s)", Version, sha)
	}
	return Version
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

// JSON returns the build information as an indented JSON document.
func JSON() string {
	data, err := json.MarshalIndent(Get(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

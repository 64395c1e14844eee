// Package buildinfo holds version metadata stamped at link time.
//
//	go build -ldflags "-X github.com/nugget/almanac/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Uptime returns the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// Info returns build and runtime metadata for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("almanac/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for startup logs.
func String() string {
	return fmt.Sprintf("almanac %s (%s) built %s", Version, GitCommit, BuildTime)
}

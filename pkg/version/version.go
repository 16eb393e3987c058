// Package version exposes build metadata for the convoy binary.
package version

import (
	"fmt"
	"runtime"
)

// Injected via -ldflags at release build time; the defaults identify a
// local development build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the one-line version banner.
func String() string {
	return fmt.Sprintf("Convoy %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildTime, runtime.Version())
}

// Info returns version metadata as a flat map, used for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"commit":    GitCommit,
		"buildTime": BuildTime,
		"goVersion": runtime.Version(),
		"platform":  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

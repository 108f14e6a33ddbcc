// Package version holds build metadata injected with -ldflags.
package version

import "runtime"

// Name is the product name reported to peers.
const Name = "recall"

// Set at build time, e.g.
// -ldflags "-X github.com/goclaw/recall/pkg/version.Version=v1.2.0"
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build metadata for status endpoints.
func Info() map[string]string {
	return map[string]string{
		"name":      Name,
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// UserAgent identifies outbound requests, e.g. "recall/v1.2.0".
func UserAgent() string {
	return Name + "/" + Version
}

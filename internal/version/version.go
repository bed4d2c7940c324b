package version

import "fmt"

// Version is the gateway's current released version.
// This value can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/orbitgw/orbit/internal/version.Version=v0.9.0"
var Version = "0.0.0-dev"

// GitCommit is the git commit hash at build time.
// Set via ldflags: -X github.com/orbitgw/orbit/internal/version.GitCommit=$(git rev-parse HEAD)
var GitCommit = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

// GetCurrentVersion returns the version string for the given server mode.
func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return Version + "-" + mode
	}
	return Version
}

// String returns the version string with the commit hash when known.
func String() string {
	if GitCommit == "unknown" {
		return Version
	}
	short := GitCommit
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s (%s)", Version, short)
}

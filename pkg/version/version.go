package version

import "fmt"

// Set at build time with -ldflags "-X".
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

// String describes the build in one line.
func String() string {
	return fmt.Sprintf("netchanged version %s (commit: %s, built at: %s)", Version, CommitHash, BuildTime)
}

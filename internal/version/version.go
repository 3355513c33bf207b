package version

import "fmt"

// Build information set by ldflags
var (
	Version = "dev"     // -X github.com/gophersatwork/monocache/internal/version.Version={{.Version}}
	Commit  = "unknown" // -X github.com/gophersatwork/monocache/internal/version.Commit={{.Commit}}
	Date    = "unknown" // -X github.com/gophersatwork/monocache/internal/version.Date={{.Date}}
)

// String formats the build information for display.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

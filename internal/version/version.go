// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	-X github.com/banshee-data/visionpick/internal/version.Version=v0.3.0
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("visionpick %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// Package version holds the build version, set at build time.
// Build with: go build -ldflags "-X devbridge/internal/version.Version=v1.0.0 -X devbridge/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

// Version is the application version. Defaults to "dev" when not set via ldflags.
var Version = "dev"

// Commit is the source revision the binary was built from. Optional.
var Commit = ""

// String renders the version line printed by "devbridge version".
func String() string {
	if Commit == "" {
		return fmt.Sprintf("devbridge %s", Version)
	}
	return fmt.Sprintf("devbridge %s (%s)", Version, Commit)
}

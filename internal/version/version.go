// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String renders the build metadata on one line, as printed by -version and
// reported by /api/session.
func String() string {
	return fmt.Sprintf("violationd %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// Package version holds build information for orderlist binaries, set at
// link time:
//
//	go build -ldflags "-X github.com/HerbHall/orderlist/internal/version.Version=1.2.0"
package version

import (
	"fmt"
	"runtime"
)

// Header is the response header carrying Short().
const Header = "X-Orderlist-Version"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the one-line -version output.
func Info() string {
	return fmt.Sprintf("orderlist %s (commit: %s, built: %s, %s %s/%s)",
		Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare version, e.g. "1.2.0" or "dev".
func Short() string {
	return Version
}

// Map returns build information for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}

// Package buildinfo carries the version stamped in at link time, e.g.
// -ldflags "-X github.com/cordum/barkit/core/infra/buildinfo.Version=v1.0.0".
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/barkit/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date, "go", runtime.Version())
}

// Package version carries build metadata for xbridge.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/ggonzalez94/xbridge/internal/version.CLIVersion=...".
var (
	CLIName    = "xbridge"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

// UserAgent identifies xbridge to aggregator and price APIs.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}

// Long reports version, commit and build date. Missing ldflags fall back to
// the VCS data embedded by the Go toolchain.
func Long() string {
	commit, date := Commit, BuildDate
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "unknown":
				commit = s.Value
			case s.Key == "vcs.time" && date == "unknown":
				date = s.Value
			}
		}
	}
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s)", CLIName, CLIVersion, commit, date, runtime.Version())
}

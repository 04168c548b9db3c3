package constants

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X dyno-go/internal/constants.Version=..." at release.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetFullVersion describes the binary. Without ldflags the commit and time
// come from the VCS stamp the Go toolchain embeds.
func GetFullVersion() string {
	commit, built := GitCommit, BuildTime
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "unknown":
				commit = s.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			case s.Key == "vcs.time" && built == "unknown":
				built = s.Value
			}
		}
	}
	return fmt.Sprintf("dynoctl %s (%s) built at %s with %s", Version, commit, built, runtime.Version())
}

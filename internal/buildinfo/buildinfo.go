// Package buildinfo holds version metadata. Release builds stamp it
// with -ldflags; a plain `go install` falls back to the module
// version and VCS settings recorded by the toolchain.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

type stamp struct {
	version, commit, built string
}

// resolved holds version, commit and build time, preferring the
// ldflags values.
var resolved = sync.OnceValue(func() stamp {
	version, commit, built := Version, GitCommit, BuildTime
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return stamp{version, commit, built}
	}
	if version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		version = bi.Main.Version
	}
	for _, s := range bi.Settings {
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
	return stamp{version, commit, built}
})

func stamped() (version, commit, built string) {
	s := resolved()
	return s.version, s.commit, s.built
}

// Info returns build and runtime details keyed for display.
func Info() map[string]string {
	version, commit, built := stamped()
	return map[string]string{
		"version":    version,
		"git_commit": commit,
		"build_time": built,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	version, _, _ := stamped()
	return "bort/" + version + " (+" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

// String returns a one-line summary.
func String() string {
	version, commit, built := stamped()
	return fmt.Sprintf("bort %s (%s) built %s", version, commit, built)
}

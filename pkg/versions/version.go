// Package versions provides version information for the wopibridge binary.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknownStr = "unknown"

// These variables are populated at build time via -ldflags.
var (
	// Version is the release version of the bridge.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = unknownStr
	// BuildDate is the RFC3339 timestamp of the build.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String renders the version info as a single human-readable line.
func (v VersionInfo) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s, %s)",
		v.Version, v.Commit, v.BuildDate, v.GoVersion, v.Platform)
}

// GetVersionInfo returns the version information of the running binary,
// falling back to VCS build settings when no release version was stamped.
func GetVersionInfo() VersionInfo {
	version := Version
	commit := Commit
	buildDate := BuildDate

	if version == "dev" {
		if commit == unknownStr {
			commit, buildDate = fromBuildInfo(buildDate)
		}
		if commit != unknownStr {
			version = "build-" + commit[:min(len(commit), 8)]
		} else {
			version = "build-unknown"
		}
	}

	// normalize a parseable build date, leave anything else as-is
	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func fromBuildInfo(buildDate string) (string, string) {
	commit := unknownStr
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, buildDate
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.time":
			if buildDate == unknownStr {
				buildDate = s.Value
			}
		}
	}
	return commit, buildDate
}

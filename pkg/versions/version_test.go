package versions

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) { //nolint:paralleltest // mutates package-level build variables
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	tests := []struct {
		name          string
		version       string
		commit        string
		buildDate     string
		wantVersion   string
		wantBuildDate string
	}{
		{
			name:          "release version with parseable date",
			version:       "v1.2.3",
			commit:        "abc123def456789",
			buildDate:     "2024-01-15T10:30:00Z",
			wantVersion:   "v1.2.3",
			wantBuildDate: "2024-01-15 10:30:00 UTC",
		},
		{
			name:          "dev build derives version from commit",
			version:       "dev",
			commit:        "abc123def456789",
			buildDate:     unknownStr,
			wantVersion:   "build-abc123de",
			wantBuildDate: unknownStr,
		},
		{
			name:          "dev build with short commit keeps full hash",
			version:       "dev",
			commit:        "f00d",
			buildDate:     unknownStr,
			wantVersion:   "build-f00d",
			wantBuildDate: unknownStr,
		},
		{
			name:          "unparseable date passes through",
			version:       "v2.0.0",
			commit:        "def456",
			buildDate:     "yesterday-ish",
			wantVersion:   "v2.0.0",
			wantBuildDate: "yesterday-ish",
		},
	}

	for _, tt := range tests { //nolint:paralleltest // shares the package-level variables
		t.Run(tt.name, func(t *testing.T) {
			Version, Commit, BuildDate = tt.version, tt.commit, tt.buildDate

			got := GetVersionInfo()

			assert.Equal(t, tt.wantVersion, got.Version)
			assert.Equal(t, tt.commit, got.Commit)
			assert.Equal(t, tt.wantBuildDate, got.BuildDate)
			assert.Equal(t, runtime.Version(), got.GoVersion)
			assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), got.Platform)
		})
	}
}

func TestGetVersionInfoFallsBackToBuildInfo(t *testing.T) { //nolint:paralleltest // mutates package-level build variables
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	Version, Commit, BuildDate = "dev", unknownStr, unknownStr

	got := GetVersionInfo()

	// Without stamped ldflags the version comes from VCS settings when the
	// test binary carries them, and from the static fallback otherwise.
	assert.NotEmpty(t, got.Version)
	assert.Contains(t, got.Version, "build-")
}

func TestVersionInfoString(t *testing.T) {
	t.Parallel()

	vi := VersionInfo{
		Version:   "v9.9.9",
		Commit:    "cafebabe",
		BuildDate: "2024-06-01 12:00:00 UTC",
		GoVersion: "go1.26.1",
		Platform:  "linux/amd64",
	}

	s := vi.String()
	assert.Equal(t, "v9.9.9 (commit cafebabe, built 2024-06-01 12:00:00 UTC, go1.26.1, linux/amd64)", s)
}

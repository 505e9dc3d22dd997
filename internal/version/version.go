package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/kairos-io/diskbuilder/internal/version.version=..."
var (
	version   = "v0.0.1"
	gitCommit = ""
)

func GetVersion() string {
	return version
}

// BuildInfo is what `diskbuilder version` reports.
type BuildInfo struct {
	Version   string `yaml:"version"`
	GitCommit string `yaml:"git_commit,omitempty"`
	GoVersion string `yaml:"go_version"`
	Platform  string `yaml:"platform"`
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("diskbuilder %s (%s) %s %s", b.Version, commit, b.GoVersion, b.Platform)
}

// Get returns the build info, the commit falls back to the vcs stamp of the binary.
func Get() BuildInfo {
	commit := gitCommit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	return BuildInfo{
		Version:   GetVersion(),
		GitCommit: commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

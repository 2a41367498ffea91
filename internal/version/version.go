// Package version reports the tenantdesk build.
//
//nolint:revive
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Overridden with -ldflags "-X github.com/memohai/tenantdesk/internal/version.Version=...".
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	GoVersion string `json:"goVersion"`
}

var readVCS sync.Once

// Get returns the build info, falling back to the VCS stamp embedded by the Go toolchain.
func Get() Info {
	readVCS.Do(func() {
		if CommitHash != "" {
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				CommitHash = setting.Value
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	})
	return Info{
		Version:   Version,
		Commit:    CommitHash,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// ShortCommit returns the first seven characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

// String formats the version as "v (abc1234)".
func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	return fmt.Sprintf("%s (%s)", i.Version, i.ShortCommit())
}

// UserAgent is sent on every API and realtime request.
func UserAgent() string {
	return "tenantdesk/" + Get().Version
}

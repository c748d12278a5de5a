package version

import (
	"fmt"
	"runtime"
)

// Service names this binary in logs, metrics and the Helix user agent.
const Service = "spyglass"

// Set with -ldflags "-X github.com/streamcord/spyglass/internal/platform/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Service:   Service,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// ShortCommit is the first seven characters of the commit, or the whole value
// when it is shorter.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", i.Service, i.Version, i.ShortCommit(), i.GoVersion)
}

// UserAgent is sent on every outbound Helix request, e.g.
// "spyglass/1.4.0 (+3f2c9ab; go1.26.0)".
func UserAgent() string {
	i := Get()
	return fmt.Sprintf("%s/%s (+%s; %s)", i.Service, i.Version, i.ShortCommit(), i.GoVersion)
}

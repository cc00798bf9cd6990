// Package version holds build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"log/slog"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is a snapshot of the build metadata.
type Info struct {
	Version   string
	GitCommit string
	BuildTime string
	GoVersion string
}

func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Short is "<version> (<commit>)", with the commit cut to seven characters.
func (i Info) Short() string {
	commit := i.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", i.Version, commit)
}

// LogAttr groups the build metadata for startup log lines.
func (i Info) LogAttr() slog.Attr {
	return slog.Group("build",
		slog.String("version", i.Version),
		slog.String("commit", i.GitCommit),
		slog.String("go", i.GoVersion),
	)
}

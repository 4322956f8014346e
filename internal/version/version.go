// Package version carries build metadata stamped in with -ldflags, filled
// from the Go build info where the linker left gaps.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Set at link time, e.g. -X .../internal/version.Version=v1.4.0
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	BuildID   string
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		BuildID:   BuildID,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				out.VCSDirty = &b
			}
		}
	}
	return out
}

// ShortCommit is the first 12 characters of Commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// Dirty renders VCSDirty as "true", "false" or "unknown".
func (i Info) Dirty() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

func (i Info) String() string {
	return fmt.Sprintf("maplecatch-web %s (commit %s, built %s, %s)", i.Version, i.ShortCommit(), i.BuildDate, i.GoVersion)
}

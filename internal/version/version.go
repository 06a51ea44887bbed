package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/tabtree"

// buildVersion is set via -ldflags "-X pkt.systems/tabtree/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version  string `json:"version"`
	Module   string `json:"module"`
	Revision string `json:"revision,omitempty"`
	Time     string `json:"time,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return Read().Version
}

// Read collects build information from the linker flag and the embedded build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: defaultModule}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		vcs := vcsSettings(info)
		out.Revision = vcs.revision
		out.Time = vcs.time
		out.Dirty = vcs.modified
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(buildVersion), "+dirty")
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	default:
		out.Version = pseudoVersion(out.Revision, out.Time)
	}
	return out
}

// UserAgent is the product token sent to remote endpoints.
func (i Info) UserAgent() string {
	return "tabtree/" + i.Version
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func vcsSettings(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func pseudoVersion(revision, vcsTime string) string {
	if revision == "" || vcsTime == "" {
		return "v0.0.0-unknown"
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return "v0.0.0-unknown"
	}
	rev := revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
}

package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3+dirty"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
}

func TestFromBuildInfoPseudoVersion(t *testing.T) {
	old := buildVersion
	buildVersion = ""
	t.Cleanup(func() { buildVersion = old })

	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "example.com/tabtree", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(info)
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected version %q", got.Version)
	}
	if !got.Dirty || got.Module != "example.com/tabtree" {
		t.Fatalf("unexpected info %+v", got)
	}
	if got.UserAgent() != "tabtree/"+got.Version {
		t.Fatalf("unexpected user agent %q", got.UserAgent())
	}
}

func TestFromBuildInfoNil(t *testing.T) {
	old := buildVersion
	buildVersion = ""
	t.Cleanup(func() { buildVersion = old })

	got := fromBuildInfo(nil)
	if got.Version != "v0.0.0-unknown" || got.Module != defaultModule {
		t.Fatalf("unexpected info %+v", got)
	}
}

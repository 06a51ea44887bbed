package format

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/tabtree/schema"
)

func TestFormatWindowNestsShelfAndGroups(t *testing.T) {
	snap := schema.WindowSnapshot{
		WindowID:  4,
		ActiveTab: 2,
		Containers: []schema.ContainerSnapshot{
			{ID: 1, Kind: schema.ContainerPinnedShelf, Tabs: []schema.Tab{{ID: 1, URL: "https://mail.test", Pinned: true}}},
			{ID: 2, Kind: schema.ContainerSingle, Tabs: []schema.Tab{{ID: 2, URL: "http://a.test"}}},
			{ID: 3, Kind: schema.ContainerGroup, Collapsed: true, GroupID: 3, Tabs: []schema.Tab{
				{ID: 3, URL: "https://b.test", Status: schema.TabStatusLoading},
				{ID: 5, Title: "untitled", Audible: true, Muted: true},
			}},
		},
	}
	want := []string{
		"window 4",
		"  pinned",
		"     1 mail.test",
		"  *2 a.test",
		"  group 3 (collapsed)",
		"     3 b.test [loading]",
		"     5 untitled [muted]",
	}
	if diff := cmp.Diff(want, NewPlainRenderer().FormatWindow(snap)); diff != "" {
		t.Fatalf("FormatWindow (-want +got):\n%s", diff)
	}
}

func TestFormatWindowSkipsEmptyShelf(t *testing.T) {
	snap := schema.WindowSnapshot{
		WindowID: 1,
		Containers: []schema.ContainerSnapshot{
			{ID: 1, Kind: schema.ContainerPinnedShelf},
			{ID: 2, Kind: schema.ContainerSingle, Tabs: []schema.Tab{{ID: 7, URL: "https://x.test", Audible: true}}},
		},
	}
	want := []string{"window 1", "   7 x.test [audible]"}
	if diff := cmp.Diff(want, NewPlainRenderer().FormatWindow(snap)); diff != "" {
		t.Fatalf("FormatWindow (-want +got):\n%s", diff)
	}
}

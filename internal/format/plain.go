package format

import (
	"fmt"
	"strings"

	"pkt.systems/tabtree/schema"
)

// PlainRenderer formats window trees as plain text lines.
type PlainRenderer struct {
	// Indent prefixes each nesting level.
	Indent string
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{Indent: "  "}
}

// FormatWindow converts a window snapshot into user-facing lines. Empty
// containers are skipped; the active tab is marked with '*'.
func (p *PlainRenderer) FormatWindow(snap schema.WindowSnapshot) []string {
	lines := []string{fmt.Sprintf("window %d", snap.WindowID)}
	for _, c := range snap.Containers {
		if len(c.Tabs) == 0 {
			continue
		}
		depth := 1
		switch c.Kind {
		case schema.ContainerPinnedShelf:
			lines = append(lines, p.indent(1)+"pinned")
			depth = 2
		case schema.ContainerGroup:
			label := fmt.Sprintf("group %d", c.ID)
			if c.Collapsed {
				label += " (collapsed)"
			}
			lines = append(lines, p.indent(1)+label)
			depth = 2
		}
		for _, tab := range c.Tabs {
			lines = append(lines, p.indent(depth)+formatTab(tab, snap.ActiveTab))
		}
	}
	return lines
}

func (p *PlainRenderer) indent(depth int) string {
	return strings.Repeat(p.Indent, depth)
}

func formatTab(tab schema.Tab, active schema.TabID) string {
	marker := " "
	if tab.ID == active {
		marker = "*"
	}
	label := strings.TrimPrefix(strings.TrimPrefix(tab.URL, "https://"), "http://")
	if label == "" {
		label = tab.Title
	}
	var flags []string
	if tab.Status == schema.TabStatusLoading {
		flags = append(flags, "loading")
	}
	if tab.Muted {
		flags = append(flags, "muted")
	} else if tab.Audible {
		flags = append(flags, "audible")
	}
	out := fmt.Sprintf("%s%d %s", marker, tab.ID, label)
	if len(flags) > 0 {
		out += " [" + strings.Join(flags, ",") + "]"
	}
	return out
}

package core

import "pkt.systems/tabtree/schema"

// Renderer formats a window tree into display lines for a transport.
type Renderer interface {
	FormatWindow(snap schema.WindowSnapshot) []string
}

package core

import "pkt.systems/tabtree/schema"

// EventSink receives tree changes from the engine.
type EventSink interface {
	OnTreeEvent(event schema.TreeEvent)
}

package core

import (
	"pkt.systems/pslog"
	"pkt.systems/tabtree/internal/persist"
)

// ServiceDeps captures dependencies for the tree engine.
type ServiceDeps struct {
	Source    TabSource
	Windows   WindowService
	EventSink EventSink
	Store     *persist.Store
	Logger    pslog.Logger
}

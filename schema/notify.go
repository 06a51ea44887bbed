package schema

// NotificationKind names a tab source notification.
type NotificationKind string

const (
	// NotifyCreated reports a new tab.
	NotifyCreated NotificationKind = "created"
	// NotifyMoved reports a tab moved within its window.
	NotifyMoved NotificationKind = "moved"
	// NotifyAttached reports a tab attached to a window.
	NotifyAttached NotificationKind = "attached"
	// NotifyDetached reports a tab detached from a window.
	NotifyDetached NotificationKind = "detached"
	// NotifyRemoved reports a closed tab.
	NotifyRemoved NotificationKind = "removed"
	// NotifyUpdated reports changed tab fields.
	NotifyUpdated NotificationKind = "updated"
	// NotifyActivated reports the active tab of a window.
	NotifyActivated NotificationKind = "activated"
	// NotifyWindowRemoved reports a closed window.
	NotifyWindowRemoved NotificationKind = "window_removed"
)

// Notification is a change reported by the tab source.
// The set of implementations is closed to this package.
type Notification interface {
	Kind() NotificationKind
	notification()
}

// Created reports a new tab.
type Created struct {
	Tab Tab
}

// Moved reports a tab moving inside one window.
type Moved struct {
	TabID     TabID
	WindowID  WindowID
	FromIndex int
	ToIndex   int
}

// Attached reports a tab entering a window.
type Attached struct {
	TabID       TabID
	NewWindowID WindowID
	NewPosition int
}

// Detached reports a tab leaving a window. The tab itself still exists.
type Detached struct {
	TabID       TabID
	OldWindowID WindowID
	OldPosition int
}

// Removed reports a closed tab.
type Removed struct {
	TabID           TabID
	WindowID        WindowID
	IsWindowClosing bool
}

// TabField names a mirrored tab attribute.
type TabField string

const (
	FieldURL     TabField = "url"
	FieldTitle   TabField = "title"
	FieldStatus  TabField = "status"
	FieldAudible TabField = "audible"
	FieldMuted   TabField = "muted"
	FieldPinned  TabField = "pinned"
)

// Updated reports changed tab attributes. Tab carries the new values.
type Updated struct {
	TabID   TabID
	Changed []TabField
	Tab     Tab
}

// Has reports whether field is listed as changed.
func (u Updated) Has(field TabField) bool {
	for _, f := range u.Changed {
		if f == field {
			return true
		}
	}
	return false
}

// Activated reports the active tab of a window.
type Activated struct {
	TabID    TabID
	WindowID WindowID
}

// WindowRemoved reports a closed window.
type WindowRemoved struct {
	WindowID WindowID
}

func (Created) Kind() NotificationKind       { return NotifyCreated }
func (Moved) Kind() NotificationKind         { return NotifyMoved }
func (Attached) Kind() NotificationKind      { return NotifyAttached }
func (Detached) Kind() NotificationKind      { return NotifyDetached }
func (Removed) Kind() NotificationKind       { return NotifyRemoved }
func (Updated) Kind() NotificationKind       { return NotifyUpdated }
func (Activated) Kind() NotificationKind     { return NotifyActivated }
func (WindowRemoved) Kind() NotificationKind { return NotifyWindowRemoved }

func (Created) notification()       {}
func (Moved) notification()         {}
func (Attached) notification()      {}
func (Detached) notification()      {}
func (Removed) notification()       {}
func (Updated) notification()       {}
func (Activated) notification()     {}
func (WindowRemoved) notification() {}

// TreeEventType describes a change visible to renderers.
type TreeEventType string

const (
	// TreeEventChanged indicates the tree structure or tab fields changed.
	TreeEventChanged TreeEventType = "tree"
	// TreeEventActive indicates the active tab changed.
	TreeEventActive TreeEventType = "active"
	// TreeEventReconciled indicates the tree was rebuilt from a fresh fetch.
	TreeEventReconciled TreeEventType = "reconciled"
	// TreeEventClosed indicates the window view was discarded.
	TreeEventClosed TreeEventType = "closed"
)

// TreeEvent is emitted to renderers after the engine changes a window view.
type TreeEvent struct {
	Type     TreeEventType  `json:"type"`
	WindowID WindowID       `json:"window_id"`
	Snapshot WindowSnapshot `json:"snapshot"`
}

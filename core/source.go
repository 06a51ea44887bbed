package core

import (
	"context"

	"pkt.systems/tabtree/schema"
)

// CreateOptions describes a tab to open.
type CreateOptions struct {
	WindowID schema.WindowID
	Index    int
	URL      string
	Pinned   bool
	Active   bool
	OpenerID schema.TabID
}

// TabQuery filters a tab listing. A zero WindowID matches every window.
type TabQuery struct {
	WindowID schema.WindowID
}

// MoveOptions is the destination of a move. Index -1 appends.
type MoveOptions struct {
	WindowID schema.WindowID
	Index    int
}

// TabPatch carries optional attribute changes.
type TabPatch struct {
	Pinned *bool
	Muted  *bool
	Active *bool
	URL    *string
}

// DuplicateOptions places a duplicated tab.
type DuplicateOptions struct {
	Active bool
}

// WindowOptions describes a window to open.
type WindowOptions struct {
	Incognito bool
	Focused   bool
	URL       string
}

// TabSource is the authoritative flat tab list. Get returns an error
// wrapping schema.ErrTabNotFound for unknown ids.
type TabSource interface {
	Create(ctx context.Context, opts CreateOptions) (schema.Tab, error)
	Get(ctx context.Context, id schema.TabID) (schema.Tab, error)
	Query(ctx context.Context, q TabQuery) ([]schema.Tab, error)
	Move(ctx context.Context, ids []schema.TabID, opts MoveOptions) error
	Update(ctx context.Context, id schema.TabID, patch TabPatch) (schema.Tab, error)
	Remove(ctx context.Context, ids []schema.TabID) error
	Duplicate(ctx context.Context, id schema.TabID, opts DuplicateOptions) (schema.Tab, error)
	Highlight(ctx context.Context, window schema.WindowID, indices []int) error
}

// WindowService creates and reports browser windows.
type WindowService interface {
	CreateWindow(ctx context.Context, opts WindowOptions) (schema.Window, error)
	CurrentWindow(ctx context.Context) (schema.Window, error)
}

// NotificationSource streams tab source notifications. The channel closes
// when the source shuts down.
type NotificationSource interface {
	Notifications() <-chan schema.Notification
}

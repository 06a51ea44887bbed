package core

import (
	"context"

	"pkt.systems/tabtree/schema"
)

// Service is the transport-agnostic API of the tab tree engine.
type Service interface {
	// Apply folds one tab source notification into the window views.
	Apply(ctx context.Context, n schema.Notification) error
	// Run applies notifications from src until ctx is done or the stream closes.
	Run(ctx context.Context, src NotificationSource) error
	// Sync rebuilds every window the tab source reports.
	Sync(ctx context.Context) error

	ListWindows(ctx context.Context, req schema.ListWindowsRequest) (schema.ListWindowsResponse, error)
	Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error)
	Reconcile(ctx context.Context, req schema.ReconcileRequest) (schema.ReconcileResponse, error)

	Drop(ctx context.Context, req schema.DropRequest) (schema.DropResponse, error)
	GroupTabs(ctx context.Context, req schema.GroupTabsRequest) (schema.GroupTabsResponse, error)
	DetachTab(ctx context.Context, req schema.DetachTabRequest) (schema.DetachTabResponse, error)
	Ungroup(ctx context.Context, req schema.UngroupRequest) (schema.UngroupResponse, error)
	Collapse(ctx context.Context, req schema.CollapseRequest) (schema.CollapseResponse, error)
	MoveToNewWindow(ctx context.Context, req schema.MoveToNewWindowRequest) (schema.MoveToNewWindowResponse, error)

	WaitLoaded(ctx context.Context, req schema.WaitLoadedRequest) (schema.WaitLoadedResponse, error)

	Shape(ctx context.Context, req schema.ShapeRequest) (schema.ShapeResponse, error)
	RestoreShape(ctx context.Context, req schema.RestoreShapeRequest) (schema.RestoreShapeResponse, error)
}

package schema

// Drag and drop.

// DragPayload describes the tabs picked up by a drag gesture.
type DragPayload struct {
	SourceWindowID      WindowID `json:"source_window_id"`
	DraggedTabIDs       []TabID  `json:"dragged_tab_ids,omitempty"`
	DraggedPinnedTabIDs []TabID  `json:"dragged_pinned_tab_ids,omitempty"`
	SourcePinned        bool     `json:"source_pinned,omitempty"`
	SourceGrouped       bool     `json:"source_grouped,omitempty"`
	AnchorTabID         TabID    `json:"anchor_tab_id,omitempty"`
}

// AllTabIDs returns pinned then unpinned dragged ids.
func (p DragPayload) AllTabIDs() []TabID {
	out := make([]TabID, 0, len(p.DraggedPinnedTabIDs)+len(p.DraggedTabIDs))
	out = append(out, p.DraggedPinnedTabIDs...)
	out = append(out, p.DraggedTabIDs...)
	return out
}

// Rect is the vertical extent of a rendered tab.
type Rect struct {
	Top    float64 `json:"top"`
	Height float64 `json:"height"`
}

// DropInput is the pointer state at drop time.
type DropInput struct {
	WindowID    WindowID `json:"window_id"`
	TargetTabID TabID    `json:"target_tab_id"`
	TargetRect  Rect     `json:"target_rect"`
	PointerY    float64  `json:"pointer_y"`
	AddToGroup  bool     `json:"add_to_group,omitempty"`
	Copy        bool     `json:"copy,omitempty"`
	ForceGroup  bool     `json:"force_group,omitempty"`
}

// DropEffect is move or duplicate.
type DropEffect string

const (
	// EffectMove moves the dragged tabs.
	EffectMove DropEffect = "move"
	// EffectDuplicate duplicates the dragged tabs at the drop position.
	EffectDuplicate DropEffect = "duplicate"
)

// DropDisposition is the resolved outcome of a drop.
type DropDisposition struct {
	TargetTabID    TabID      `json:"target_tab_id"`
	TargetWindowID WindowID   `json:"target_window_id"`
	InsertBefore   bool       `json:"insert_before"`
	JoinGroup      bool       `json:"join_group"`
	CrossWindow    bool       `json:"cross_window"`
	Effect         DropEffect `json:"effect"`
}

// AppendIndex asks the tab source to place tabs at the end of the strip.
const AppendIndex = -1

// MoveRequest is one move issued to the tab source.
type MoveRequest struct {
	TabIDs   []TabID  `json:"tab_ids"`
	WindowID WindowID `json:"window_id"`
	Index    int      `json:"index"`
}

// DropRequest asks the engine to resolve and perform a drop.
type DropRequest struct {
	Payload DragPayload `json:"payload"`
	Input   DropInput   `json:"input"`
}

// DropResponse reports the disposition and the requests issued.
type DropResponse struct {
	Disposition DropDisposition `json:"disposition"`
	Requests    []MoveRequest   `json:"requests"`
	// Reconciled is set when a tab source request failed and the window was
	// rebuilt from the source instead.
	Reconciled bool `json:"reconciled,omitempty"`
}

// Structural commands.

// GroupTabsRequest groups tabs of one window.
type GroupTabsRequest struct {
	WindowID WindowID `json:"window_id"`
	TabIDs   []TabID  `json:"tab_ids"`
}

// GroupTabsResponse reports the resulting group.
type GroupTabsResponse struct {
	Container  ContainerSnapshot `json:"container"`
	Requests   []MoveRequest     `json:"requests"`
	Reconciled bool              `json:"reconciled,omitempty"`
}

// DetachTabRequest splits a tab out of its group.
type DetachTabRequest struct {
	WindowID WindowID `json:"window_id"`
	TabID    TabID    `json:"tab_id"`
}

// DetachTabResponse reports the requests issued.
type DetachTabResponse struct {
	Requests   []MoveRequest `json:"requests"`
	Reconciled bool          `json:"reconciled,omitempty"`
}

// UngroupRequest splits a group into single containers.
type UngroupRequest struct {
	WindowID    WindowID    `json:"window_id"`
	ContainerID ContainerID `json:"container_id"`
}

// UngroupResponse reports the window after the split.
type UngroupResponse struct {
	Window WindowSnapshot `json:"window"`
}

// CollapseRequest toggles a group's collapsed flag.
type CollapseRequest struct {
	WindowID    WindowID    `json:"window_id"`
	ContainerID ContainerID `json:"container_id"`
	Collapsed   bool        `json:"collapsed"`
}

// CollapseResponse reports the updated container.
type CollapseResponse struct {
	Container ContainerSnapshot `json:"container"`
}

// MoveToNewWindowRequest moves tabs into a freshly created window.
type MoveToNewWindowRequest struct {
	TabIDs []TabID `json:"tab_ids"`
}

// MoveToNewWindowResponse reports the new window and the request issued.
type MoveToNewWindowResponse struct {
	Window     Window        `json:"window"`
	Requests   []MoveRequest `json:"requests"`
	Reconciled bool          `json:"reconciled,omitempty"`
}

// Queries.

// ListWindowsRequest lists known window views.
type ListWindowsRequest struct{}

// ListWindowsResponse reports known window ids in ascending order.
type ListWindowsResponse struct {
	Windows []WindowID `json:"windows"`
}

// SnapshotRequest reads one window view.
type SnapshotRequest struct {
	WindowID WindowID `json:"window_id"`
}

// SnapshotResponse carries the window view.
type SnapshotResponse struct {
	Window WindowSnapshot `json:"window"`
}

// ReconcileRequest forces a rebuild from a fresh fetch.
type ReconcileRequest struct {
	WindowID WindowID `json:"window_id"`
}

// ReconcileResponse carries the rebuilt view.
type ReconcileResponse struct {
	Window WindowSnapshot `json:"window"`
}

// WaitLoadedRequest waits for a tab to report complete.
type WaitLoadedRequest struct {
	TabID TabID `json:"tab_id"`
}

// WaitLoadedResponse carries the loaded tab.
type WaitLoadedResponse struct {
	Tab      Tab `json:"tab"`
	Attempts int `json:"attempts"`
}

// Persistence.

// ShapeRequest reads the persistable shape of a window.
type ShapeRequest struct {
	WindowID WindowID `json:"window_id"`
}

// ShapeResponse carries the shape snapshot.
type ShapeResponse struct {
	Shape ShapeSnapshot `json:"shape"`
}

// RestoreShapeRequest reapplies a saved shape to a window.
type RestoreShapeRequest struct {
	Shape ShapeSnapshot `json:"shape"`
}

// RestoreShapeResponse reports whether the shape was applied.
type RestoreShapeResponse struct {
	Applied bool `json:"applied"`
}

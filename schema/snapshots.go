package schema

// ContainerSnapshot is a read-only view of one container.
type ContainerSnapshot struct {
	ID        ContainerID   `json:"id"`
	Kind      ContainerKind `json:"kind"`
	Collapsed bool          `json:"collapsed,omitempty"`
	GroupID   TabID         `json:"group_id,omitempty"`
	Tabs      []Tab         `json:"tabs"`
}

// WindowSnapshot is a read-only view of a window's tree for renderers.
type WindowSnapshot struct {
	WindowID   WindowID            `json:"window_id"`
	ActiveTab  TabID               `json:"active_tab,omitempty"`
	Containers []ContainerSnapshot `json:"containers"`
}

// Flatten returns the tab ids in linearized order.
func (s WindowSnapshot) Flatten() []TabID {
	var out []TabID
	for _, c := range s.Containers {
		for _, tab := range c.Tabs {
			out = append(out, tab.ID)
		}
	}
	return out
}

// ShapeSnapshot captures tree shape for save/restore across reloads.
// Groups and Collapsed are keyed by flat position, not by tab id.
type ShapeSnapshot struct {
	WindowID  WindowID `json:"window_id"`
	URLs      []string `json:"urls"`
	Groups    [][]int  `json:"groups,omitempty"`
	Collapsed []bool   `json:"collapsed,omitempty"`
}

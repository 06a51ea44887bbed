package schema

// TabID identifies a browser tab. Ids are stable for a browser session.
type TabID int64

// WindowID identifies a browser window.
type WindowID int64

// ContainerID identifies a container inside one window view.
type ContainerID uint64

// NoTab marks an absent optional tab reference (opener, group anchor).
const NoTab TabID = 0

// NoWindow marks an absent window reference.
const NoWindow WindowID = 0

// TabStatus is the loading state reported by the tab source.
type TabStatus string

const (
	// TabStatusLoading indicates the tab is still loading.
	TabStatusLoading TabStatus = "loading"
	// TabStatusComplete indicates the tab finished loading.
	TabStatusComplete TabStatus = "complete"
)

// Tab mirrors one external tab.
type Tab struct {
	ID       TabID     `json:"id"`
	Index    int       `json:"index"`
	Pinned   bool      `json:"pinned"`
	WindowID WindowID  `json:"window_id"`
	Active   bool      `json:"active"`
	URL      string    `json:"url,omitempty"`
	Title    string    `json:"title,omitempty"`
	Status   TabStatus `json:"status,omitempty"`
	Audible  bool      `json:"audible,omitempty"`
	Muted    bool      `json:"muted,omitempty"`
	OpenerID TabID     `json:"opener_id,omitempty"`
	GroupID  TabID     `json:"group_id,omitempty"`
}

// Window describes a browser window known to the window service.
type Window struct {
	ID        WindowID `json:"id"`
	Incognito bool     `json:"incognito,omitempty"`
}

// ContainerKind classifies a container.
type ContainerKind string

const (
	// ContainerPinnedShelf holds all pinned tabs of a window.
	ContainerPinnedShelf ContainerKind = "pinned-shelf"
	// ContainerSingle holds exactly one unpinned tab.
	ContainerSingle ContainerKind = "single"
	// ContainerGroup holds two or more unpinned tabs.
	ContainerGroup ContainerKind = "group"
)

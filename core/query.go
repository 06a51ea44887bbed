package core

import (
	"slices"

	"pkt.systems/tabtree/schema"
)

// indexOf returns the flat position of id.
func (t *tree) indexOf(id schema.TabID) (int, bool) {
	i, ok := t.pos[id]
	return i, ok
}

// containerOf returns the container owning id.
func (t *tree) containerOf(id schema.TabID) (*container, bool) {
	c, ok := t.owner[id]
	return c, ok
}

// ancestorContainer returns a snapshot of the container owning id.
func (t *tree) ancestorContainer(id schema.TabID) (schema.ContainerSnapshot, bool) {
	c, ok := t.owner[id]
	if !ok {
		return schema.ContainerSnapshot{}, false
	}
	return t.containerSnapshot(c), true
}

// rangeBetween returns the inclusive flat slice between a and b regardless
// of argument order or container boundaries.
func (t *tree) rangeBetween(a, b schema.TabID) []schema.TabID {
	ia, okA := t.pos[a]
	ib, okB := t.pos[b]
	if !okA || !okB {
		return nil
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	return slices.Clone(t.flat[ia : ib+1])
}

func (t *tree) flatten() []schema.TabID {
	return slices.Clone(t.flat)
}

func (t *tree) tab(id schema.TabID) (schema.Tab, bool) {
	rec, ok := t.tabs[id]
	if !ok {
		return schema.Tab{}, false
	}
	out := *rec
	out.Index = t.pos[id]
	return out, true
}

// sortByIndex orders ids by current flat position; unknown ids are dropped.
func (t *tree) sortByIndex(ids []schema.TabID) []schema.TabID {
	out := make([]schema.TabID, 0, len(ids))
	for _, id := range ids {
		if t.has(id) {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, func(a, b schema.TabID) int { return t.pos[a] - t.pos[b] })
	return out
}

func (t *tree) containerSnapshot(c *container) schema.ContainerSnapshot {
	out := schema.ContainerSnapshot{
		ID:        c.id,
		Kind:      c.kind,
		Collapsed: c.collapsed,
		GroupID:   c.groupID,
		Tabs:      make([]schema.Tab, 0, len(c.tabs)),
	}
	for _, id := range c.tabs {
		if tab, ok := t.tab(id); ok {
			out.Tabs = append(out.Tabs, tab)
		}
	}
	return out
}

func (t *tree) snapshot() schema.WindowSnapshot {
	out := schema.WindowSnapshot{
		WindowID:   t.window,
		ActiveTab:  t.active,
		Containers: make([]schema.ContainerSnapshot, 0, len(t.seq)+1),
	}
	out.Containers = append(out.Containers, t.containerSnapshot(t.shelf))
	for _, c := range t.seq {
		out.Containers = append(out.Containers, t.containerSnapshot(c))
	}
	return out
}

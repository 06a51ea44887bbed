package core

import (
	"fmt"
	"slices"
	"sort"

	"pkt.systems/tabtree/schema"
)

type container struct {
	id        schema.ContainerID
	kind      schema.ContainerKind
	collapsed bool
	groupID   schema.TabID
	tabs      []schema.TabID
}

// tree is the local ordered forest of one window: a pinned shelf followed by a
// sequence of single and group containers. flat mirrors the concatenation of
// all containers and pos indexes it.
type tree struct {
	window schema.WindowID
	shelf  *container
	seq    []*container
	tabs   map[schema.TabID]*schema.Tab
	owner  map[schema.TabID]*container
	flat   []schema.TabID
	pos    map[schema.TabID]int
	nextID schema.ContainerID
	active schema.TabID
}

func newTree(window schema.WindowID) *tree {
	t := &tree{window: window}
	t.reset()
	return t
}

func (t *tree) reset() {
	t.nextID = 0
	t.shelf = &container{id: t.allocID(), kind: schema.ContainerPinnedShelf}
	t.seq = nil
	t.tabs = make(map[schema.TabID]*schema.Tab)
	t.owner = make(map[schema.TabID]*container)
	t.flat = nil
	t.pos = make(map[schema.TabID]int)
	t.active = schema.NoTab
}

func (t *tree) allocID() schema.ContainerID {
	t.nextID++
	return t.nextID
}

func (t *tree) len() int { return len(t.flat) }

func (t *tree) pinnedCount() int { return len(t.shelf.tabs) }

func (t *tree) has(id schema.TabID) bool {
	_, ok := t.tabs[id]
	return ok
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{schema.ErrStructuralViolation}, args...)...)
}

func stale(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{schema.ErrStaleReference}, args...)...)
}

// reindex refreshes pos for every flat entry from position from onward.
func (t *tree) reindex(from int) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(t.flat); i++ {
		t.pos[t.flat[i]] = i
	}
}

func (t *tree) seqIndex(c *container) int {
	for i, cur := range t.seq {
		if cur == c {
			return i
		}
	}
	return -1
}

func localIndex(c *container, id schema.TabID) int {
	return slices.Index(c.tabs, id)
}

// flatPosFor returns the flat position a tab would occupy when placed at
// local position local of c.
func (t *tree) flatPosFor(c *container, local int) int {
	if local < len(c.tabs) {
		return t.pos[c.tabs[local]]
	}
	if len(c.tabs) > 0 {
		return t.pos[c.tabs[len(c.tabs)-1]] + 1
	}
	if c == t.shelf {
		return 0
	}
	for j := t.seqIndex(c) + 1; j < len(t.seq); j++ {
		if len(t.seq[j].tabs) > 0 {
			return t.pos[t.seq[j].tabs[0]]
		}
	}
	return len(t.flat)
}

// place puts tab into c at local position local and mirrors it into the flat order.
func (t *tree) place(tab schema.Tab, c *container, local int) {
	if local < 0 {
		local = 0
	}
	if local > len(c.tabs) {
		local = len(c.tabs)
	}
	at := t.flatPosFor(c, local)
	rec := tab
	rec.WindowID = t.window
	rec.Pinned = c == t.shelf
	t.tabs[tab.ID] = &rec
	c.tabs = slices.Insert(c.tabs, local, tab.ID)
	t.owner[tab.ID] = c
	t.flat = slices.Insert(t.flat, at, tab.ID)
	t.reindex(at)
	t.normalize(c)
}

// unplace removes id from its container and from the flat order, keeping the
// tab record. It returns the former owner, which may have been destroyed.
func (t *tree) unplace(id schema.TabID) *container {
	c := t.owner[id]
	if c == nil {
		return nil
	}
	if i := localIndex(c, id); i >= 0 {
		c.tabs = slices.Delete(c.tabs, i, i+1)
	}
	delete(t.owner, id)
	at := t.pos[id]
	t.flat = slices.Delete(t.flat, at, at+1)
	delete(t.pos, id)
	t.reindex(at)
	t.normalize(c)
	return c
}

// normalize restores kind, group tag and existence of c after its membership changed.
func (t *tree) normalize(c *container) {
	if c == t.shelf {
		for _, id := range c.tabs {
			if tab := t.tabs[id]; tab != nil {
				tab.GroupID = schema.NoTab
			}
		}
		return
	}
	switch len(c.tabs) {
	case 0:
		if i := t.seqIndex(c); i >= 0 {
			t.seq = slices.Delete(t.seq, i, i+1)
		}
		return
	case 1:
		c.kind = schema.ContainerSingle
		c.collapsed = false
		c.groupID = schema.NoTab
	default:
		c.kind = schema.ContainerGroup
		if c.groupID == schema.NoTab || !slices.Contains(c.tabs, c.groupID) {
			c.groupID = c.tabs[0]
		}
	}
	for _, id := range c.tabs {
		if tab := t.tabs[id]; tab != nil {
			tab.GroupID = c.groupID
		}
	}
}

// newContainerAt inserts an empty container at sequence position k.
func (t *tree) newContainerAt(k int) *container {
	if k < 0 {
		k = 0
	}
	if k > len(t.seq) {
		k = len(t.seq)
	}
	c := &container{id: t.allocID(), kind: schema.ContainerSingle}
	t.seq = slices.Insert(t.seq, k, c)
	return c
}

// splitAt moves c.tabs[local:] into a new container right after c.
func (t *tree) splitAt(c *container, local int) *container {
	if c == t.shelf || local <= 0 || local >= len(c.tabs) {
		return nil
	}
	n := t.newContainerAt(t.seqIndex(c) + 1)
	n.tabs = slices.Clone(c.tabs[local:])
	c.tabs = slices.Clip(c.tabs[:local])
	for _, id := range n.tabs {
		t.owner[id] = n
	}
	t.normalize(c)
	t.normalize(n)
	return n
}

func (t *tree) clampUnpinned(index int) int {
	p := t.pinnedCount()
	if index < 0 || index > len(t.flat) {
		index = len(t.flat)
	}
	if index < p {
		index = p
	}
	return index
}

// insertTab places tab at flat index. Pinned tabs go to the shelf ordered by
// index. Unpinned tabs join the group enclosing both neighbours, or else get a
// new single container at the container boundary.
func (t *tree) insertTab(tab schema.Tab, index int) error {
	if tab.ID == schema.NoTab {
		return violation("insert of zero tab id")
	}
	if t.has(tab.ID) {
		return violation("tab %d already present in window %d", tab.ID, t.window)
	}
	if tab.Pinned {
		local := index
		if local < 0 || local > t.pinnedCount() {
			local = t.pinnedCount()
		}
		t.place(tab, t.shelf, local)
		return nil
	}
	index = t.clampUnpinned(index)
	if c, local, ok := t.enclosingGroup(index); ok {
		t.place(tab, c, local)
		return nil
	}
	t.placeStandalone(tab, index)
	return nil
}

// enclosingGroup reports the group whose members sit on both sides of the
// flat gap before index.
func (t *tree) enclosingGroup(index int) (*container, int, bool) {
	if index <= t.pinnedCount() || index >= len(t.flat) {
		return nil, 0, false
	}
	prev := t.owner[t.flat[index-1]]
	next := t.owner[t.flat[index]]
	if prev == nil || prev != next || prev.kind != schema.ContainerGroup {
		return nil, 0, false
	}
	return next, localIndex(next, t.flat[index]), true
}

// placeStandalone inserts tab as a new single container at flat index,
// splitting an enclosing group when the gap falls inside one.
func (t *tree) placeStandalone(tab schema.Tab, index int) {
	index = t.clampUnpinned(index)
	if c, local, ok := t.enclosingGroup(index); ok {
		t.splitAt(c, local)
	}
	k := len(t.seq)
	if index < len(t.flat) {
		k = t.seqIndex(t.owner[t.flat[index]])
	}
	t.place(tab, t.newContainerAt(k), 0)
}

// insertInto places tab into c at local position; the caller picks the container.
func (t *tree) insertInto(tab schema.Tab, c *container, local int) error {
	if t.has(tab.ID) {
		return violation("tab %d already present in window %d", tab.ID, t.window)
	}
	if c == nil || (c != t.shelf && t.seqIndex(c) < 0) {
		return stale("container not in window %d", t.window)
	}
	if tab.Pinned != (c == t.shelf) {
		return violation("tab %d pinned=%t cannot enter %s container", tab.ID, tab.Pinned, c.kind)
	}
	t.place(tab, c, local)
	return nil
}

// removeTab drops the tab and its record.
func (t *tree) removeTab(id schema.TabID) (schema.Tab, error) {
	rec, ok := t.tabs[id]
	if !ok {
		return schema.Tab{}, stale("tab %d not in window %d", id, t.window)
	}
	out := *rec
	out.Index = t.pos[id]
	t.unplace(id)
	delete(t.tabs, id)
	if t.active == id {
		t.active = schema.NoTab
	}
	return out, nil
}

// take detaches the tab from the structure and returns its record, ready for
// re-placement with place or insertTab.
func (t *tree) take(id schema.TabID) (schema.Tab, *container, error) {
	rec, ok := t.tabs[id]
	if !ok {
		return schema.Tab{}, nil, stale("tab %d not in window %d", id, t.window)
	}
	out := *rec
	from := t.unplace(id)
	delete(t.tabs, id)
	return out, from, nil
}

// moveTab relocates id so it ends at flat position newIndex (-1 appends),
// applying the insertTab placement rule.
func (t *tree) moveTab(id schema.TabID, newIndex int) error {
	tab, _, err := t.take(id)
	if err != nil {
		return err
	}
	if tab.Pinned && (newIndex < 0 || newIndex > t.pinnedCount()) {
		newIndex = t.pinnedCount()
	}
	return t.insertTab(tab, newIndex)
}

// setPinned moves a pinned tab to the end of the shelf, and an unpinned tab
// to the first position after the shelf.
func (t *tree) setPinned(id schema.TabID, pinned bool) error {
	rec, ok := t.tabs[id]
	if !ok {
		return stale("tab %d not in window %d", id, t.window)
	}
	if rec.Pinned == pinned {
		return nil
	}
	tab, _, err := t.take(id)
	if err != nil {
		return err
	}
	tab.Pinned = pinned
	tab.GroupID = schema.NoTab
	if pinned {
		t.place(tab, t.shelf, t.pinnedCount())
		return nil
	}
	t.placeStandalone(tab, t.pinnedCount())
	return nil
}

// groupTabs merges an index-contiguous run of unpinned tabs into one group
// tagged with ids[0]. Containers straddling the run edges are split.
func (t *tree) groupTabs(ids []schema.TabID) (*container, error) {
	if len(ids) < 2 {
		return nil, violation("group needs at least 2 tabs, got %d", len(ids))
	}
	positions := make([]int, 0, len(ids))
	seen := make(map[schema.TabID]struct{}, len(ids))
	for _, id := range ids {
		rec, ok := t.tabs[id]
		if !ok {
			return nil, stale("tab %d not in window %d", id, t.window)
		}
		if rec.Pinned {
			return nil, violation("pinned tab %d cannot be grouped", id)
		}
		if _, dup := seen[id]; dup {
			return nil, violation("tab %d listed twice", id)
		}
		seen[id] = struct{}{}
		positions = append(positions, t.pos[id])
	}
	sort.Ints(positions)
	for i := 1; i < len(positions); i++ {
		if positions[i] != positions[i-1]+1 {
			return nil, violation("tabs are not contiguous")
		}
	}
	lo, hi := positions[0], positions[len(positions)-1]
	anchor := ids[0]

	first := t.owner[t.flat[lo]]
	if local := localIndex(first, t.flat[lo]); local > 0 {
		t.splitAt(first, local)
	}
	last := t.owner[t.flat[hi]]
	if local := localIndex(last, t.flat[hi]); local < len(last.tabs)-1 {
		t.splitAt(last, local+1)
	}
	a := t.seqIndex(t.owner[t.flat[lo]])
	b := t.seqIndex(t.owner[t.flat[hi]])
	target := t.owner[anchor]
	if len(target.tabs) < 2 {
		target = t.seq[a]
	}
	merged := make([]schema.TabID, 0, hi-lo+1)
	for _, c := range t.seq[a : b+1] {
		merged = append(merged, c.tabs...)
	}
	kept := make([]*container, 0, len(t.seq)-(b-a))
	kept = append(kept, t.seq[:a]...)
	kept = append(kept, target)
	kept = append(kept, t.seq[b+1:]...)
	t.seq = kept
	target.tabs = merged
	for _, id := range merged {
		t.owner[id] = target
	}
	target.groupID = anchor
	t.normalize(target)
	return target, nil
}

func (t *tree) containerByID(cid schema.ContainerID) *container {
	if t.shelf.id == cid {
		return t.shelf
	}
	for _, c := range t.seq {
		if c.id == cid {
			return c
		}
	}
	return nil
}

// ungroup turns every member of a group into its own single container,
// keeping order. The first member keeps the container id.
func (t *tree) ungroup(cid schema.ContainerID) error {
	c := t.containerByID(cid)
	if c == nil {
		return stale("container %d not in window %d", cid, t.window)
	}
	if c == t.shelf {
		return violation("pinned shelf cannot be ungrouped")
	}
	if c.kind != schema.ContainerGroup {
		return nil
	}
	for len(c.tabs) > 1 {
		t.splitAt(c, len(c.tabs)-1)
	}
	return nil
}

// detach splits id out of its group without changing the flat order. A
// middle member leaves the head and tail of the group as separate containers.
func (t *tree) detach(id schema.TabID) error {
	c := t.owner[id]
	if c == nil {
		return stale("tab %d not in window %d", id, t.window)
	}
	if c == t.shelf {
		return violation("pinned tab %d has no group", id)
	}
	if c.kind != schema.ContainerGroup {
		return nil
	}
	local := localIndex(c, id)
	if local > 0 {
		c = t.splitAt(c, local)
	}
	t.splitAt(c, 1)
	return nil
}

func (t *tree) collapse(cid schema.ContainerID, collapsed bool) error {
	c := t.containerByID(cid)
	if c == nil {
		return stale("container %d not in window %d", cid, t.window)
	}
	if c.kind != schema.ContainerGroup {
		if !collapsed {
			return nil
		}
		return violation("container %d is %s, only groups collapse", cid, c.kind)
	}
	c.collapsed = collapsed
	return nil
}

// patch copies mirrored fields from src into the stored record without
// touching structure. It reports whether anything changed.
func (t *tree) patch(src schema.Tab) bool {
	rec, ok := t.tabs[src.ID]
	if !ok {
		return false
	}
	before := *rec
	rec.URL = src.URL
	rec.Title = src.Title
	rec.Status = src.Status
	rec.Audible = src.Audible
	rec.Muted = src.Muted
	if src.OpenerID != schema.NoTab {
		rec.OpenerID = src.OpenerID
	}
	return before != *rec
}

func (t *tree) setActive(id schema.TabID) bool {
	if !t.has(id) {
		return false
	}
	if prev, ok := t.tabs[t.active]; ok {
		prev.Active = false
	}
	t.tabs[id].Active = true
	t.active = id
	return true
}

// groupMembership records which group each grouped tab belongs to, for rebuild.
func (t *tree) groupMembership() (map[schema.TabID]schema.ContainerID, map[schema.ContainerID]bool) {
	members := make(map[schema.TabID]schema.ContainerID)
	collapsed := make(map[schema.ContainerID]bool)
	for _, c := range t.seq {
		if c.kind != schema.ContainerGroup {
			continue
		}
		collapsed[c.id] = c.collapsed
		for _, id := range c.tabs {
			members[id] = c.id
		}
	}
	return members, collapsed
}

// rebuild discards the structure and reconstructs it from a fresh flat list.
// Contiguous runs of tabs that shared a group before are regrouped.
func (t *tree) rebuild(tabs []schema.Tab, members map[schema.TabID]schema.ContainerID, collapsed map[schema.ContainerID]bool) {
	sorted := slices.Clone(tabs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	active := schema.NoTab
	t.reset()
	var (
		last      *container
		lastGroup schema.ContainerID
	)
	for _, tab := range sorted {
		if tab.WindowID != t.window {
			continue
		}
		if tab.Active {
			active = tab.ID
		}
		if tab.Pinned {
			t.place(tab, t.shelf, t.pinnedCount())
			continue
		}
		prior := members[tab.ID]
		if last != nil && prior != 0 && prior == lastGroup {
			t.place(tab, last, len(last.tabs))
			continue
		}
		last = t.newContainerAt(len(t.seq))
		lastGroup = prior
		t.place(tab, last, 0)
		if prior != 0 {
			last.collapsed = collapsed[prior]
		}
	}
	for _, c := range t.seq {
		if c.kind != schema.ContainerGroup {
			c.collapsed = false
		}
	}
	if active != schema.NoTab {
		t.setActive(active)
	}
}

// checkInvariants verifies partition, cardinality, group tags and the flat
// index against the container structure.
func (t *tree) checkInvariants() error {
	if t.shelf == nil || t.shelf.kind != schema.ContainerPinnedShelf {
		return violation("missing pinned shelf")
	}
	var walk []schema.TabID
	for _, id := range t.shelf.tabs {
		rec := t.tabs[id]
		if rec == nil || !rec.Pinned {
			return violation("shelf holds unpinned tab %d", id)
		}
		if t.owner[id] != t.shelf {
			return violation("owner of %d is not the shelf", id)
		}
		walk = append(walk, id)
	}
	for _, c := range t.seq {
		switch {
		case len(c.tabs) == 0:
			return violation("empty container %d", c.id)
		case len(c.tabs) == 1 && c.kind != schema.ContainerSingle:
			return violation("container %d has 1 tab but kind %s", c.id, c.kind)
		case len(c.tabs) > 1 && c.kind != schema.ContainerGroup:
			return violation("container %d has %d tabs but kind %s", c.id, len(c.tabs), c.kind)
		}
		for _, id := range c.tabs {
			rec := t.tabs[id]
			if rec == nil || rec.Pinned {
				return violation("container %d holds pinned or unknown tab %d", c.id, id)
			}
			if t.owner[id] != c {
				return violation("owner of %d is not container %d", id, c.id)
			}
			if rec.GroupID != c.groupID {
				return violation("tab %d group tag %d differs from container %d", id, rec.GroupID, c.groupID)
			}
			walk = append(walk, id)
		}
	}
	if !slices.Equal(walk, t.flat) {
		return violation("flat order %v differs from containers %v", t.flat, walk)
	}
	if len(t.pos) != len(t.flat) || len(t.tabs) != len(t.flat) {
		return violation("index sizes differ: pos=%d tabs=%d flat=%d", len(t.pos), len(t.tabs), len(t.flat))
	}
	for i, id := range t.flat {
		if t.pos[id] != i {
			return violation("pos of %d is %d, want %d", id, t.pos[id], i)
		}
	}
	return nil
}

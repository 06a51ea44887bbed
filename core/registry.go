package core

import (
	"slices"
	"sync"

	"pkt.systems/tabtree/schema"
)

// view serializes all access to one window's tree.
type view struct {
	mu   sync.Mutex
	tree *tree
}

// registry holds one view per window id.
type registry struct {
	mu    sync.Mutex
	views map[schema.WindowID]*view
}

func newRegistry() *registry {
	return &registry{views: make(map[schema.WindowID]*view)}
}

func (r *registry) get(id schema.WindowID) (*view, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	return v, ok
}

func (r *registry) getOrCreate(id schema.WindowID) (*view, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[id]; ok {
		return v, false
	}
	v := &view{tree: newTree(id)}
	r.views[id] = v
	return v, true
}

func (r *registry) forget(id schema.WindowID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[id]; !ok {
		return false
	}
	delete(r.views, id)
	return true
}

func (r *registry) windows() []schema.WindowID {
	r.mu.Lock()
	out := make([]schema.WindowID, 0, len(r.views))
	for id := range r.views {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// locate returns the window whose view holds id, other than skip.
func (r *registry) locate(id schema.TabID, skip schema.WindowID) (*view, bool) {
	for _, w := range r.windows() {
		if w == skip {
			continue
		}
		v, ok := r.get(w)
		if !ok {
			continue
		}
		v.mu.Lock()
		found := v.tree.has(id)
		v.mu.Unlock()
		if found {
			return v, true
		}
	}
	return nil, false
}

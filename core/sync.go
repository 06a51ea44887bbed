package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/schema"
)

// Apply dispatches n to its handler. Structural violations are logged at
// error level, stale references are dropped quietly.
func (e *engine) Apply(ctx context.Context, n schema.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: nil notification", schema.ErrInvalidRequest)
	}
	var err error
	switch n := n.(type) {
	case schema.Created:
		err = e.onCreated(ctx, n)
	case schema.Moved:
		err = e.onMoved(ctx, n)
	case schema.Attached:
		err = e.onAttached(ctx, n)
	case schema.Detached:
		err = e.onDetached(ctx, n)
	case schema.Removed:
		err = e.onRemoved(ctx, n)
	case schema.Updated:
		err = e.onUpdated(ctx, n)
	case schema.Activated:
		err = e.onActivated(ctx, n)
	case schema.WindowRemoved:
		err = e.onWindowRemoved(ctx, n)
	default:
		err = fmt.Errorf("%w: unhandled notification %T", schema.ErrInvalidRequest, n)
	}
	if err != nil {
		log := e.logger.With("kind", n.Kind())
		switch {
		case errors.Is(err, schema.ErrStructuralViolation):
			log.Error("sync notification aborted", "err", err)
		case errors.Is(err, schema.ErrStaleReference):
			log.Debug("sync notification dropped", "err", err)
		default:
			log.Warn("sync notification failed", "err", err)
		}
	}
	return err
}

// createLocked inserts tab at index, keeping it beside its opener when the
// opener sits right before index.
func (e *engine) createLocked(t *tree, tab schema.Tab, index int) error {
	if !tab.Pinned && tab.OpenerID != schema.NoTab {
		if c, ok := t.containerOf(tab.OpenerID); ok && c != t.shelf {
			if at, _ := t.indexOf(tab.OpenerID); at == index-1 {
				if c.kind == schema.ContainerSingle {
					c.groupID = tab.OpenerID
				}
				return t.insertInto(tab, c, localIndex(c, tab.OpenerID)+1)
			}
		}
	}
	return t.insertTab(tab, index)
}

// moveLocked moves id to flat index to. A group member landing on its own
// group's edge stays in the group.
func (e *engine) moveLocked(t *tree, id schema.TabID, to int) error {
	c, ok := t.containerOf(id)
	if !ok {
		return stale("tab %d not in window %d", id, t.window)
	}
	if c.kind != schema.ContainerGroup {
		return t.moveTab(id, to)
	}
	anchor := c.groupID
	tab, _, err := t.take(id)
	if err != nil {
		return err
	}
	if len(c.tabs) > 0 {
		start := t.pos[c.tabs[0]]
		end := t.pos[c.tabs[len(c.tabs)-1]] + 1
		if to == start || to == end {
			c.groupID = anchor
			local := 0
			if to == end {
				local = len(c.tabs)
			}
			t.place(tab, c, local)
			return nil
		}
	}
	return t.insertTab(tab, to)
}

// refetchLocked performs the one-shot reconciliation fetch for id and
// inserts the tab when the source places it in t's window.
func (e *engine) refetchLocked(ctx context.Context, t *tree, id schema.TabID) bool {
	log := logx.WithWindowTab(ctx, t.window, id)
	tab, err := e.source.Get(ctx, id)
	if err != nil {
		log.Debug("sync refetch miss", "err", err)
		return false
	}
	if tab.WindowID != t.window {
		log.Debug("sync refetch miss", "reason", "other window", "tab_window", tab.WindowID)
		return false
	}
	if err := e.createLocked(t, tab, tab.Index); err != nil {
		log.Warn("sync refetch insert failed", "err", err)
		return false
	}
	if tab.Active {
		t.setActive(tab.ID)
	}
	log.Debug("sync refetch ok", "index", tab.Index)
	return true
}

func (e *engine) onCreated(ctx context.Context, n schema.Created) error {
	tab := n.Tab
	if tab.ID == schema.NoTab || tab.WindowID == schema.NoWindow {
		return fmt.Errorf("%w: created tab without id or window", schema.ErrInvalidRequest)
	}
	e.takeLimbo(tab.ID)
	return e.withView(ctx, tab.WindowID, true, func(t *tree) (schema.TreeEventType, error) {
		if t.has(tab.ID) {
			if t.patch(tab) {
				return schema.TreeEventChanged, nil
			}
			return "", nil
		}
		if err := e.createLocked(t, tab, tab.Index); err != nil {
			return "", err
		}
		if tab.Active {
			t.setActive(tab.ID)
		}
		logx.WithWindowTab(ctx, t.window, tab.ID).Trace("sync created", "index", tab.Index, "pinned", tab.Pinned)
		return schema.TreeEventChanged, nil
	})
}

func (e *engine) onMoved(ctx context.Context, n schema.Moved) error {
	return e.withView(ctx, n.WindowID, true, func(t *tree) (schema.TreeEventType, error) {
		typ := schema.TreeEventType("")
		if !t.has(n.TabID) {
			if !e.refetchLocked(ctx, t, n.TabID) {
				return "", stale("moved tab %d not in window %d", n.TabID, n.WindowID)
			}
			typ = schema.TreeEventChanged
		}
		to := n.ToIndex
		if to < 0 || to >= t.len() {
			to = t.len() - 1
		}
		e.txns.confirm(n.TabID, n.WindowID, to)
		if at, _ := t.indexOf(n.TabID); at == to {
			return typ, nil
		}
		if err := e.moveLocked(t, n.TabID, to); err != nil {
			return typ, err
		}
		logx.WithWindowTab(ctx, t.window, n.TabID).Trace("sync moved", "from", n.FromIndex, "to", to)
		return schema.TreeEventChanged, nil
	})
}

func (e *engine) onAttached(ctx context.Context, n schema.Attached) error {
	tab, ok := e.takeLimbo(n.TabID)
	if !ok {
		// the detach of the old window may not have been delivered yet
		if src, found := e.reg.locate(n.TabID, n.NewWindowID); found {
			src.mu.Lock()
			rec, err := src.tree.removeTab(n.TabID)
			var p published
			if err == nil {
				p = e.commitLocked(src.tree, schema.TreeEventChanged)
			}
			src.mu.Unlock()
			if err == nil {
				e.publish(ctx, p)
				tab, ok = rec, true
			}
		}
	}
	if !ok {
		fetched, err := e.source.Get(ctx, n.TabID)
		if err != nil {
			return stale("attached tab %d unknown: %v", n.TabID, err)
		}
		tab = fetched
	}
	tab.WindowID = n.NewWindowID
	tab.Index = n.NewPosition
	tab.Active = false
	return e.withView(ctx, n.NewWindowID, true, func(t *tree) (schema.TreeEventType, error) {
		e.txns.confirm(n.TabID, n.NewWindowID, n.NewPosition)
		if t.has(n.TabID) {
			if at, _ := t.indexOf(n.TabID); at == n.NewPosition {
				return "", nil
			}
			if err := e.moveLocked(t, n.TabID, n.NewPosition); err != nil {
				return "", err
			}
			return schema.TreeEventChanged, nil
		}
		if err := e.createLocked(t, tab, n.NewPosition); err != nil {
			return "", err
		}
		logx.WithWindowTab(ctx, t.window, n.TabID).Trace("sync attached", "index", n.NewPosition)
		return schema.TreeEventChanged, nil
	})
}

func (e *engine) onDetached(ctx context.Context, n schema.Detached) error {
	if _, ok := e.reg.get(n.OldWindowID); !ok {
		return nil
	}
	return e.withView(ctx, n.OldWindowID, false, func(t *tree) (schema.TreeEventType, error) {
		if !t.has(n.TabID) {
			return "", nil
		}
		rec, err := t.removeTab(n.TabID)
		if err != nil {
			return "", err
		}
		e.putLimbo(rec)
		logx.WithWindowTab(ctx, t.window, n.TabID).Trace("sync detached", "index", rec.Index)
		return schema.TreeEventChanged, nil
	})
}

func (e *engine) onRemoved(ctx context.Context, n schema.Removed) error {
	e.takeLimbo(n.TabID)
	if n.IsWindowClosing {
		logx.WithWindowTab(ctx, n.WindowID, n.TabID).Trace("sync removed skipped", "reason", "window closing")
		return nil
	}
	if _, ok := e.reg.get(n.WindowID); !ok {
		return nil
	}
	return e.withView(ctx, n.WindowID, false, func(t *tree) (schema.TreeEventType, error) {
		if !t.has(n.TabID) {
			return "", nil
		}
		if _, err := t.removeTab(n.TabID); err != nil {
			return "", err
		}
		logx.WithWindowTab(ctx, t.window, n.TabID).Trace("sync removed")
		return schema.TreeEventChanged, nil
	})
}

func (e *engine) onUpdated(ctx context.Context, n schema.Updated) error {
	window := n.Tab.WindowID
	if window == schema.NoWindow {
		v, ok := e.reg.locate(n.TabID, schema.NoWindow)
		if !ok {
			return stale("updated tab %d not in any window", n.TabID)
		}
		window = v.tree.window
	}
	update := n.Tab
	update.ID = n.TabID
	return e.withView(ctx, window, true, func(t *tree) (schema.TreeEventType, error) {
		typ := schema.TreeEventType("")
		if !t.has(n.TabID) {
			if !e.refetchLocked(ctx, t, n.TabID) {
				return "", stale("updated tab %d not in window %d", n.TabID, window)
			}
			typ = schema.TreeEventChanged
		}
		if t.patch(update) {
			typ = schema.TreeEventChanged
		}
		rec, _ := t.tab(n.TabID)
		if rec.Pinned != update.Pinned && (len(n.Changed) == 0 || n.Has(schema.FieldPinned)) {
			if err := t.setPinned(n.TabID, update.Pinned); err != nil {
				return typ, err
			}
			typ = schema.TreeEventChanged
		}
		return typ, nil
	})
}

func (e *engine) onActivated(ctx context.Context, n schema.Activated) error {
	return e.withView(ctx, n.WindowID, true, func(t *tree) (schema.TreeEventType, error) {
		if !t.has(n.TabID) && !e.refetchLocked(ctx, t, n.TabID) {
			return "", stale("activated tab %d not in window %d", n.TabID, n.WindowID)
		}
		if t.active == n.TabID {
			return "", nil
		}
		t.setActive(n.TabID)
		return schema.TreeEventActive, nil
	})
}

func (e *engine) onWindowRemoved(ctx context.Context, n schema.WindowRemoved) error {
	if !e.reg.forget(n.WindowID) {
		return nil
	}
	logx.WithWindow(ctx, n.WindowID).Debug("sync window removed")
	e.publish(ctx, published{event: schema.TreeEvent{
		Type:     schema.TreeEventClosed,
		WindowID: n.WindowID,
		Snapshot: schema.WindowSnapshot{WindowID: n.WindowID},
	}})
	return nil
}

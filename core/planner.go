package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/schema"
)

// step is one optimistic local edit. It returns the move request mirroring
// the edit, with send=false when the flat order did not change.
type step func(t *tree) (req schema.MoveRequest, send bool, err error)

// runStep applies st under the view lock, records the expected outcome, and
// issues the mirroring request after the lock is released.
func (e *engine) runStep(ctx context.Context, v *view, tx *txn, st step) (schema.MoveRequest, bool, error) {
	v.mu.Lock()
	req, send, err := st(v.tree)
	var p published
	if err == nil {
		if send {
			for _, id := range req.TabIDs {
				e.txns.expect(tx, id, req.WindowID, req.Index)
			}
		}
		p = e.commitLocked(v.tree, schema.TreeEventChanged)
	}
	v.mu.Unlock()
	if err != nil {
		return req, false, err
	}
	e.publish(ctx, p)
	if !send {
		return req, false, nil
	}
	if err := e.source.Move(ctx, req.TabIDs, MoveOptions{WindowID: req.WindowID, Index: req.Index}); err != nil {
		return req, true, fmt.Errorf("%w: move %v to %d: %v", schema.ErrRequestFailed, req.TabIDs, req.Index, err)
	}
	return req, true, nil
}

// fail ends tx after err. Request failures roll back through reconciliation;
// local errors leave the last applied state in place.
func (e *engine) fail(ctx context.Context, tx *txn, err error) error {
	if errors.Is(err, schema.ErrRequestFailed) {
		e.rollback(ctx, tx, err)
		return err
	}
	e.txns.abort(tx)
	e.logger.Warn("planner aborted", "txn", tx.id, "kind", tx.kind, "err", err)
	return err
}

// recovered reports whether err was a request failure already healed by
// reconciliation. Those are logged and never returned to callers.
func recovered(err error) bool {
	return errors.Is(err, schema.ErrRequestFailed)
}

func moveRequestFor(t *tree, id schema.TabID, to int) schema.MoveRequest {
	index := to
	if to == t.len()-1 {
		index = schema.AppendIndex
	}
	return schema.MoveRequest{TabIDs: []schema.TabID{id}, WindowID: t.window, Index: index}
}

// relocate moves id right next to anchor. With join, or inside the pinned
// shelf, the tab enters anchor's container; otherwise it gets its own.
func relocate(id, anchor schema.TabID, before, join bool) step {
	return func(t *tree) (schema.MoveRequest, bool, error) {
		from, ok := t.indexOf(id)
		if !ok {
			return schema.MoveRequest{}, false, stale("tab %d not in window %d", id, t.window)
		}
		if !t.has(anchor) {
			return schema.MoveRequest{}, false, stale("anchor %d not in window %d", anchor, t.window)
		}
		if t.tabs[id].Pinned != t.tabs[anchor].Pinned {
			return schema.MoveRequest{}, false, violation("tab %d and anchor %d differ in pinned state", id, anchor)
		}
		tab, _, err := t.take(id)
		if err != nil {
			return schema.MoveRequest{}, false, err
		}
		ac := t.owner[anchor]
		if join || ac == t.shelf {
			if ac.kind == schema.ContainerSingle {
				ac.groupID = anchor
			}
			local := localIndex(ac, anchor)
			if !before {
				local++
			}
			t.place(tab, ac, local)
		} else {
			at := t.pos[anchor]
			if !before {
				at++
			}
			t.placeStandalone(tab, at)
		}
		to := t.pos[id]
		if to == from {
			return schema.MoveRequest{}, false, nil
		}
		return moveRequestFor(t, id, to), true, nil
	}
}

// detachStep splits id out of its group. A middle member is moved right
// after the rest of the group so the group stays contiguous.
func detachStep(id schema.TabID) step {
	return func(t *tree) (schema.MoveRequest, bool, error) {
		c, ok := t.containerOf(id)
		if !ok {
			return schema.MoveRequest{}, false, stale("tab %d not in window %d", id, t.window)
		}
		if c == t.shelf {
			return schema.MoveRequest{}, false, violation("pinned tab %d has no group", id)
		}
		if c.kind != schema.ContainerGroup {
			return schema.MoveRequest{}, false, nil
		}
		local := localIndex(c, id)
		if local == 0 || local == len(c.tabs)-1 {
			return schema.MoveRequest{}, false, t.detach(id)
		}
		from := t.pos[id]
		tab, _, err := t.take(id)
		if err != nil {
			return schema.MoveRequest{}, false, err
		}
		tab.GroupID = schema.NoTab
		t.placeStandalone(tab, t.pos[c.tabs[len(c.tabs)-1]]+1)
		to := t.pos[id]
		return moveRequestFor(t, id, to), to != from, nil
	}
}

func (e *engine) Drop(ctx context.Context, req schema.DropRequest) (schema.DropResponse, error) {
	log := logx.WithWindow(ctx, req.Input.WindowID)
	payload := req.Payload
	if ids, err := schema.NormalizeTabIDs(payload.DraggedTabIDs); err == nil {
		payload.DraggedTabIDs = ids
	}
	if ids, err := schema.NormalizeTabIDs(payload.DraggedPinnedTabIDs); err == nil {
		payload.DraggedPinnedTabIDs = ids
	}
	disp, err := e.Resolve(ctx, payload, req.Input)
	if err != nil {
		if errors.Is(err, schema.ErrIncompatibleDrop) {
			log.Debug("planner drop rejected", "target", req.Input.TargetTabID)
		}
		return schema.DropResponse{}, err
	}
	log.Debug("planner drop start", "target", disp.TargetTabID, "before", disp.InsertBefore, "join", disp.JoinGroup, "cross_window", disp.CrossWindow, "effect", disp.Effect)
	var reqs []schema.MoveRequest
	switch {
	case disp.Effect == schema.EffectDuplicate:
		reqs, err = e.planDuplicate(ctx, payload, disp)
	case disp.CrossWindow:
		reqs, err = e.planCrossWindow(ctx, payload, disp)
	default:
		reqs, err = e.planReorder(ctx, payload, disp)
	}
	resp := schema.DropResponse{Disposition: disp, Requests: reqs}
	if err != nil {
		log.Warn("planner drop failed", "err", err)
		if recovered(err) {
			resp.Reconciled = true
			return resp, nil
		}
		return resp, err
	}
	log.Debug("planner drop ok", "requests", len(reqs))
	return resp, nil
}

// planReorder moves the dragged tabs next to the target inside one window.
// Tabs are relocated one at a time so each request carries an index that is
// valid at the moment it is sent; the block grows outward from the target.
func (e *engine) planReorder(ctx context.Context, payload schema.DragPayload, disp schema.DropDisposition) ([]schema.MoveRequest, error) {
	v, ok := e.reg.get(disp.TargetWindowID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, disp.TargetWindowID)
	}
	target := disp.TargetTabID

	v.mu.Lock()
	t := v.tree
	targetPos, ok := t.indexOf(target)
	if !ok {
		v.mu.Unlock()
		return nil, stale("target %d not in window %d", target, t.window)
	}
	dragged := slices.Compact(t.sortByIndex(payload.AllTabIDs()))
	dragged = slices.DeleteFunc(dragged, func(id schema.TabID) bool { return id == target })
	var before, after []schema.TabID
	for _, id := range dragged {
		if t.pos[id] < targetPos {
			before = append(before, id)
		} else {
			after = append(after, id)
		}
	}
	targetPinned := t.tabs[target].Pinned
	v.mu.Unlock()

	if len(dragged) == 0 {
		return nil, nil
	}
	var order []schema.TabID
	if disp.InsertBefore {
		order = append(order, reversed(after)...)
		order = append(order, reversed(before)...)
	} else {
		order = append(order, before...)
		order = append(order, after...)
	}

	tx := e.txns.begin("reorder", disp.TargetWindowID)
	var reqs []schema.MoveRequest
	anchor := target
	for _, id := range order {
		req, sent, err := e.runStep(ctx, v, tx, relocate(id, anchor, disp.InsertBefore, disp.JoinGroup))
		if sent {
			reqs = append(reqs, req)
		}
		if err != nil {
			return reqs, e.fail(ctx, tx, err)
		}
		anchor = id
	}
	if !disp.JoinGroup && !targetPinned && payload.SourceGrouped && len(dragged) >= 2 {
		e.regroup(ctx, v, dragged)
	}
	e.txns.done(tx)
	return reqs, nil
}

// regroup keeps a dragged group together after a non-joining drop.
func (e *engine) regroup(ctx context.Context, v *view, ids []schema.TabID) {
	v.mu.Lock()
	t := v.tree
	_, err := t.groupTabs(t.sortByIndex(ids))
	var p published
	if err == nil {
		p = e.commitLocked(t, schema.TreeEventChanged)
	}
	v.mu.Unlock()
	if err != nil {
		logx.WithWindow(ctx, t.window).Debug("planner regroup skipped", "err", err)
		return
	}
	e.publish(ctx, p)
}

func reversed(ids []schema.TabID) []schema.TabID {
	out := slices.Clone(ids)
	slices.Reverse(out)
	return out
}

// sourceOrder sorts ids by their position in the window they are dragged from.
func (e *engine) sourceOrder(window schema.WindowID, ids []schema.TabID) []schema.TabID {
	v, ok := e.reg.get(window)
	if !ok {
		return ids
	}
	v.mu.Lock()
	sorted := slices.Compact(v.tree.sortByIndex(ids))
	v.mu.Unlock()
	if len(sorted) != len(ids) {
		return ids
	}
	return sorted
}

// planCrossWindow issues one request moving every dragged tab into the
// target window. Grouping is not carried across windows.
func (e *engine) planCrossWindow(ctx context.Context, payload schema.DragPayload, disp schema.DropDisposition) ([]schema.MoveRequest, error) {
	dst, ok := e.reg.get(disp.TargetWindowID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, disp.TargetWindowID)
	}
	dst.mu.Lock()
	targetPos, ok := dst.tree.indexOf(disp.TargetTabID)
	dst.mu.Unlock()
	if !ok {
		return nil, stale("target %d not in window %d", disp.TargetTabID, disp.TargetWindowID)
	}
	ids := e.sourceOrder(payload.SourceWindowID, payload.AllTabIDs())
	index := targetPos
	if !disp.InsertBefore && !slices.Contains(ids, disp.TargetTabID) {
		index++
	}
	req := schema.MoveRequest{TabIDs: ids, WindowID: disp.TargetWindowID, Index: index}
	tx := e.txns.begin("cross-window", payload.SourceWindowID, disp.TargetWindowID)
	for i, id := range ids {
		e.txns.expect(tx, id, disp.TargetWindowID, index+i)
	}
	if err := e.source.Move(ctx, ids, MoveOptions{WindowID: req.WindowID, Index: req.Index}); err != nil {
		err = fmt.Errorf("%w: move %v to window %d: %v", schema.ErrRequestFailed, ids, req.WindowID, err)
		e.rollback(ctx, tx, err)
		return []schema.MoveRequest{req}, err
	}
	e.txns.done(tx)
	return []schema.MoveRequest{req}, nil
}

// planDuplicate duplicates each dragged tab and then places the copies as a
// move drop of the copies would.
func (e *engine) planDuplicate(ctx context.Context, payload schema.DragPayload, disp schema.DropDisposition) ([]schema.MoveRequest, error) {
	ids := e.sourceOrder(payload.SourceWindowID, payload.AllTabIDs())
	tx := e.txns.begin("duplicate", payload.SourceWindowID)
	copies := make([]schema.TabID, 0, len(ids))
	for _, id := range ids {
		dup, err := e.source.Duplicate(ctx, id, DuplicateOptions{})
		if err != nil {
			err = fmt.Errorf("%w: duplicate %d: %v", schema.ErrRequestFailed, id, err)
			e.rollback(ctx, tx, err)
			return nil, err
		}
		dup.OpenerID = schema.NoTab
		if err := e.withView(ctx, dup.WindowID, true, func(t *tree) (schema.TreeEventType, error) {
			if t.has(dup.ID) {
				return "", nil
			}
			return schema.TreeEventChanged, e.createLocked(t, dup, dup.Index)
		}); err != nil {
			return nil, e.fail(ctx, tx, err)
		}
		copies = append(copies, dup.ID)
	}
	e.txns.done(tx)
	dupPayload := payload
	if len(payload.DraggedPinnedTabIDs) > 0 {
		dupPayload.DraggedPinnedTabIDs = copies
		dupPayload.DraggedTabIDs = nil
	} else {
		dupPayload.DraggedTabIDs = copies
		dupPayload.DraggedPinnedTabIDs = nil
	}
	if disp.CrossWindow {
		return e.planCrossWindow(ctx, dupPayload, disp)
	}
	return e.planReorder(ctx, dupPayload, disp)
}

func (e *engine) GroupTabs(ctx context.Context, req schema.GroupTabsRequest) (schema.GroupTabsResponse, error) {
	ids, err := schema.NormalizeTabIDs(req.TabIDs)
	if err != nil {
		return schema.GroupTabsResponse{}, err
	}
	if len(ids) < 2 {
		return schema.GroupTabsResponse{}, fmt.Errorf("%w: group needs at least 2 tabs", schema.ErrInvalidRequest)
	}
	v, ok := e.reg.get(req.WindowID)
	if !ok {
		return schema.GroupTabsResponse{}, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, req.WindowID)
	}
	log := logx.WithWindow(ctx, req.WindowID)
	log.Debug("planner group start", "tabs", len(ids))
	v.mu.Lock()
	sorted := v.tree.sortByIndex(ids)
	var verr error
	if len(sorted) != len(ids) {
		verr = stale("some of %v not in window %d", ids, req.WindowID)
	}
	for _, id := range sorted {
		if v.tree.tabs[id].Pinned {
			verr = violation("pinned tab %d cannot be grouped", id)
		}
	}
	v.mu.Unlock()
	if verr != nil {
		log.Warn("planner group failed", "err", verr)
		return schema.GroupTabsResponse{}, verr
	}

	anchor := sorted[0]
	tx := e.txns.begin("group", req.WindowID)
	var reqs []schema.MoveRequest
	prev := anchor
	for _, id := range sorted[1:] {
		r, sent, err := e.runStep(ctx, v, tx, relocate(id, prev, false, true))
		if sent {
			reqs = append(reqs, r)
		}
		if err != nil {
			log.Warn("planner group failed", "err", err)
			if err := e.fail(ctx, tx, err); !recovered(err) {
				return schema.GroupTabsResponse{Requests: reqs}, err
			}
			return schema.GroupTabsResponse{Requests: reqs, Reconciled: true}, nil
		}
		prev = id
	}

	v.mu.Lock()
	c, ok := v.tree.containerOf(anchor)
	var (
		snap schema.ContainerSnapshot
		p    published
	)
	if ok {
		c.groupID = anchor
		v.tree.normalize(c)
		snap = v.tree.containerSnapshot(c)
		p = e.commitLocked(v.tree, schema.TreeEventChanged)
	}
	v.mu.Unlock()
	if ok {
		e.publish(ctx, p)
	}
	e.txns.done(tx)
	log.Debug("planner group ok", "container", snap.ID, "requests", len(reqs))
	return schema.GroupTabsResponse{Container: snap, Requests: reqs}, nil
}

func (e *engine) DetachTab(ctx context.Context, req schema.DetachTabRequest) (schema.DetachTabResponse, error) {
	v, ok := e.reg.get(req.WindowID)
	if !ok {
		return schema.DetachTabResponse{}, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, req.WindowID)
	}
	log := logx.WithWindowTab(ctx, req.WindowID, req.TabID)
	tx := e.txns.begin("detach", req.WindowID)
	r, sent, err := e.runStep(ctx, v, tx, detachStep(req.TabID))
	var reqs []schema.MoveRequest
	if sent {
		reqs = append(reqs, r)
	}
	if err != nil {
		log.Warn("planner detach failed", "err", err)
		if err := e.fail(ctx, tx, err); !recovered(err) {
			return schema.DetachTabResponse{Requests: reqs}, err
		}
		return schema.DetachTabResponse{Requests: reqs, Reconciled: true}, nil
	}
	e.txns.done(tx)
	log.Debug("planner detach ok", "requests", len(reqs))
	return schema.DetachTabResponse{Requests: reqs}, nil
}

func (e *engine) Ungroup(ctx context.Context, req schema.UngroupRequest) (schema.UngroupResponse, error) {
	var snap schema.WindowSnapshot
	err := e.withView(ctx, req.WindowID, false, func(t *tree) (schema.TreeEventType, error) {
		if err := t.ungroup(req.ContainerID); err != nil {
			return "", err
		}
		snap = t.snapshot()
		return schema.TreeEventChanged, nil
	})
	if err != nil {
		logx.WithWindow(ctx, req.WindowID).Warn("planner ungroup failed", "container", req.ContainerID, "err", err)
		return schema.UngroupResponse{}, err
	}
	return schema.UngroupResponse{Window: snap}, nil
}

func (e *engine) Collapse(ctx context.Context, req schema.CollapseRequest) (schema.CollapseResponse, error) {
	var snap schema.ContainerSnapshot
	err := e.withView(ctx, req.WindowID, false, func(t *tree) (schema.TreeEventType, error) {
		if err := t.collapse(req.ContainerID, req.Collapsed); err != nil {
			return "", err
		}
		if c := t.containerByID(req.ContainerID); c != nil {
			snap = t.containerSnapshot(c)
		}
		return schema.TreeEventChanged, nil
	})
	if err != nil {
		return schema.CollapseResponse{}, err
	}
	return schema.CollapseResponse{Container: snap}, nil
}

// MoveToNewWindow creates the window first and only then moves the tabs into it.
func (e *engine) MoveToNewWindow(ctx context.Context, req schema.MoveToNewWindowRequest) (schema.MoveToNewWindowResponse, error) {
	ids, err := schema.NormalizeTabIDs(req.TabIDs)
	if err != nil {
		return schema.MoveToNewWindowResponse{}, err
	}
	if e.windows == nil {
		return schema.MoveToNewWindowResponse{}, errors.New("window service not configured")
	}
	var from schema.WindowID
	if v, ok := e.reg.locate(ids[0], schema.NoWindow); ok {
		from = v.tree.window
		ids = e.sourceOrder(from, ids)
	}
	w, err := e.windows.CreateWindow(ctx, WindowOptions{Focused: true})
	if err != nil {
		e.logger.Warn("planner new window failed", "err", err)
		return schema.MoveToNewWindowResponse{Reconciled: true}, nil
	}
	tx := e.txns.begin("new-window", from, w.ID)
	for _, id := range ids {
		e.txns.expect(tx, id, w.ID, schema.AppendIndex)
	}
	move := schema.MoveRequest{TabIDs: ids, WindowID: w.ID, Index: schema.AppendIndex}
	if err := e.source.Move(ctx, ids, MoveOptions{WindowID: w.ID, Index: schema.AppendIndex}); err != nil {
		err = fmt.Errorf("%w: move %v to window %d: %v", schema.ErrRequestFailed, ids, w.ID, err)
		e.rollback(ctx, tx, err)
		return schema.MoveToNewWindowResponse{Window: w, Requests: []schema.MoveRequest{move}, Reconciled: true}, nil
	}
	e.txns.done(tx)
	logx.WithWindow(ctx, w.ID).Info("planner moved tabs to new window", "tabs", len(ids))
	return schema.MoveToNewWindowResponse{Window: w, Requests: []schema.MoveRequest{move}}, nil
}

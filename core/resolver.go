package core

import (
	"context"
	"fmt"

	"pkt.systems/tabtree/schema"
)

// resolveDrop computes the disposition of dropping payload on the target
// described by input, whose tab lives in t. It reports false when the drop
// is incompatible.
func resolveDrop(t *tree, payload schema.DragPayload, input schema.DropInput) (schema.DropDisposition, bool) {
	target, ok := t.tab(input.TargetTabID)
	if !ok {
		return schema.DropDisposition{}, false
	}
	pinnedDrag := len(payload.DraggedPinnedTabIDs) > 0
	if pinnedDrag && len(payload.DraggedTabIDs) > 0 {
		return schema.DropDisposition{}, false
	}
	if pinnedDrag != target.Pinned {
		return schema.DropDisposition{}, false
	}
	disp := schema.DropDisposition{
		TargetTabID:    target.ID,
		TargetWindowID: t.window,
		InsertBefore:   input.PointerY < input.TargetRect.Top+input.TargetRect.Height/2,
		CrossWindow:    payload.SourceWindowID != t.window,
		Effect:         schema.EffectMove,
	}
	if input.Copy {
		disp.Effect = schema.EffectDuplicate
	}
	if !target.Pinned && !disp.CrossWindow {
		c, _ := t.containerOf(target.ID)
		disp.JoinGroup = c.kind == schema.ContainerGroup || input.AddToGroup || input.ForceGroup
	}
	return disp, true
}

// Resolve computes a drop disposition without issuing requests.
func (e *engine) Resolve(ctx context.Context, payload schema.DragPayload, input schema.DropInput) (schema.DropDisposition, error) {
	if err := schema.ValidateDragPayload(payload); err != nil {
		return schema.DropDisposition{}, err
	}
	window := input.WindowID
	if window == schema.NoWindow {
		window = payload.SourceWindowID
	}
	v, ok := e.reg.get(window)
	if !ok {
		return schema.DropDisposition{}, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, window)
	}
	v.mu.Lock()
	disp, ok := resolveDrop(v.tree, payload, input)
	v.mu.Unlock()
	if !ok {
		return schema.DropDisposition{}, schema.ErrIncompatibleDrop
	}
	return disp, nil
}

package core

import (
	"context"
	"fmt"

	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/schema"
)

// shapeOf captures urls and group membership by flat position.
func shapeOf(t *tree) schema.ShapeSnapshot {
	shape := schema.ShapeSnapshot{WindowID: t.window, URLs: make([]string, 0, len(t.flat))}
	for _, id := range t.flat {
		shape.URLs = append(shape.URLs, t.tabs[id].URL)
	}
	for _, c := range t.seq {
		if c.kind != schema.ContainerGroup {
			continue
		}
		positions := make([]int, 0, len(c.tabs))
		for _, id := range c.tabs {
			positions = append(positions, t.pos[id])
		}
		shape.Groups = append(shape.Groups, positions)
		shape.Collapsed = append(shape.Collapsed, c.collapsed)
	}
	return shape
}

// restoreShape reapplies saved groups. A tab count mismatch skips the
// restore and reports false; unusable groups are skipped individually.
func restoreShape(t *tree, shape schema.ShapeSnapshot) (applied bool, skipped int) {
	if len(shape.URLs) != t.len() {
		return false, 0
	}
	for i, positions := range shape.Groups {
		ids := make([]schema.TabID, 0, len(positions))
		for _, p := range positions {
			if p < 0 || p >= t.len() {
				ids = nil
				break
			}
			ids = append(ids, t.flat[p])
		}
		c, err := t.groupTabs(ids)
		if err != nil {
			skipped++
			continue
		}
		if i < len(shape.Collapsed) {
			c.collapsed = shape.Collapsed[i]
		}
	}
	return true, skipped
}

func (e *engine) Shape(ctx context.Context, req schema.ShapeRequest) (schema.ShapeResponse, error) {
	v, ok := e.reg.get(req.WindowID)
	if !ok {
		return schema.ShapeResponse{}, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, req.WindowID)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return schema.ShapeResponse{Shape: shapeOf(v.tree)}, nil
}

func (e *engine) RestoreShape(ctx context.Context, req schema.RestoreShapeRequest) (schema.RestoreShapeResponse, error) {
	window := req.Shape.WindowID
	log := logx.WithWindow(ctx, window)
	var applied bool
	err := e.withView(ctx, window, false, func(t *tree) (schema.TreeEventType, error) {
		var skipped int
		applied, skipped = restoreShape(t, req.Shape)
		if !applied {
			log.Debug("shape restore skipped", "saved", len(req.Shape.URLs), "tabs", t.len())
			return "", nil
		}
		log.Debug("shape restore ok", "groups", len(req.Shape.Groups)-skipped, "skipped", skipped)
		return schema.TreeEventChanged, nil
	})
	if err != nil {
		return schema.RestoreShapeResponse{}, err
	}
	return schema.RestoreShapeResponse{Applied: applied}, nil
}

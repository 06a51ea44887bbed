package core

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/tabtree/schema"
)

func TestShapeOfRecordsGroupsByPosition(t *testing.T) {
	tr := seedTree(t, 5)
	if err := tr.setPinned(5, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	g := mustGroup(t, tr, 2, 3)
	g.collapsed = true
	shape := shapeOf(tr)
	want := schema.ShapeSnapshot{
		WindowID:  1,
		URLs:      []string{"u", "u", "u", "u", "u"},
		Groups:    [][]int{{2, 3}},
		Collapsed: []bool{true},
	}
	if diff := cmp.Diff(want, shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreShapeReappliesGroups(t *testing.T) {
	saved := seedTree(t, 6)
	mustGroup(t, saved, 1, 2)
	g := mustGroup(t, saved, 4, 5, 6)
	g.collapsed = true
	shape := shapeOf(saved)

	fresh := seedTree(t, 6)
	applied, skipped := restoreShape(fresh, shape)
	if !applied || skipped != 0 {
		t.Fatalf("expected restore applied cleanly, applied=%t skipped=%d", applied, skipped)
	}
	mustValid(t, fresh)
	if diff := cmp.Diff(shape, shapeOf(fresh)); diff != "" {
		t.Fatalf("restored shape mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreShapeSkipsOnCountMismatch(t *testing.T) {
	saved := seedTree(t, 3)
	mustGroup(t, saved, 1, 2)
	shape := shapeOf(saved)

	fresh := seedTree(t, 4)
	applied, _ := restoreShape(fresh, shape)
	if applied {
		t.Fatalf("expected restore to be skipped")
	}
	for _, kind := range seqKinds(fresh) {
		if kind != schema.ContainerSingle {
			t.Fatalf("skipped restore changed structure: %v", seqKinds(fresh))
		}
	}
}

func TestRestoreShapeSkipsBadGroup(t *testing.T) {
	fresh := seedTree(t, 4)
	shape := schema.ShapeSnapshot{
		WindowID: 1,
		URLs:     []string{"a", "b", "c", "d"},
		Groups:   [][]int{{0, 2}, {2, 3}, {7, 8}},
	}
	applied, skipped := restoreShape(fresh, shape)
	if !applied || skipped != 2 {
		t.Fatalf("expected 2 skipped groups, applied=%t skipped=%d", applied, skipped)
	}
	mustValid(t, fresh)
	c, _ := fresh.containerOf(3)
	if c.kind != schema.ContainerGroup || c.groupID != 3 {
		t.Fatalf("expected group anchored on 3, got %s anchor %d", c.kind, c.groupID)
	}
}

func TestEngineRestoreShapeUnknownWindow(t *testing.T) {
	e, err := newEngine(schema.ServiceConfig{StateDir: t.TempDir()}, ServiceDeps{Source: &loadingSource{}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := e.RestoreShape(context.Background(), schema.RestoreShapeRequest{Shape: schema.ShapeSnapshot{WindowID: 9}}); err == nil {
		t.Fatalf("expected error for unknown window")
	}
}

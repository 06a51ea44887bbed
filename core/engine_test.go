package core_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/internal/memsource"
	"pkt.systems/tabtree/schema"
)

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
}

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.TreeEvent
}

func (r *eventRecorder) OnTreeEvent(event schema.TreeEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ schema.TreeEventType, window schema.WindowID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.WindowID == window {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	src    *memsource.Source
	svc    core.Service
	events *eventRecorder
}

// newHarness wires an engine to a memory source that delivers every
// notification synchronously.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), events: &eventRecorder{}}
	h.src = memsource.New(memsource.Options{Logger: quietLogger()})
	h.svc = newService(t, h.src, h.events)
	h.src.OnNotify(func(n schema.Notification) { _ = h.svc.Apply(h.ctx, n) })
	return h
}

func newService(t *testing.T, src *memsource.Source, sink core.EventSink) core.Service {
	t.Helper()
	svc, err := core.NewService(schema.ServiceConfig{StateDir: t.TempDir(), CheckInvariants: true}, core.ServiceDeps{
		Source:    src,
		Windows:   src,
		EventSink: sink,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func (h *harness) window(urls ...string) (schema.WindowID, []schema.TabID) {
	h.t.Helper()
	return openWindow(h.t, h.src, urls...)
}

func openWindow(t *testing.T, src *memsource.Source, urls ...string) (schema.WindowID, []schema.TabID) {
	t.Helper()
	ctx := context.Background()
	w, err := src.CreateWindow(ctx, core.WindowOptions{})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	ids := make([]schema.TabID, 0, len(urls))
	for _, url := range urls {
		tab, err := src.Create(ctx, core.CreateOptions{WindowID: w.ID, Index: schema.AppendIndex, URL: url})
		if err != nil {
			t.Fatalf("create tab: %v", err)
		}
		ids = append(ids, tab.ID)
	}
	return w.ID, ids
}

func order(t *testing.T, svc core.Service, w schema.WindowID) []schema.TabID {
	t.Helper()
	resp, err := svc.Snapshot(context.Background(), schema.SnapshotRequest{WindowID: w})
	if err != nil {
		t.Fatalf("snapshot %d: %v", w, err)
	}
	return resp.Window.Flatten()
}

func (h *harness) container(w schema.WindowID, id schema.TabID) schema.ContainerSnapshot {
	h.t.Helper()
	resp, err := h.svc.Snapshot(h.ctx, schema.SnapshotRequest{WindowID: w})
	if err != nil {
		h.t.Fatalf("snapshot %d: %v", w, err)
	}
	for _, c := range resp.Window.Containers {
		for _, tab := range c.Tabs {
			if tab.ID == id {
				return c
			}
		}
	}
	h.t.Fatalf("tab %d not in window %d", id, w)
	return schema.ContainerSnapshot{}
}

// mirrors asserts the engine view of w matches the source order.
func (h *harness) mirrors(w schema.WindowID) []schema.TabID {
	h.t.Helper()
	got := order(h.t, h.svc, w)
	if diff := cmp.Diff(h.src.Order(w), got); diff != "" {
		h.t.Fatalf("window %d diverged from source (-source +engine):\n%s", w, diff)
	}
	return got
}

func (h *harness) pin(id schema.TabID) {
	h.t.Helper()
	pinned := true
	if _, err := h.src.Update(h.ctx, id, core.TabPatch{Pinned: &pinned}); err != nil {
		h.t.Fatalf("pin %d: %v", id, err)
	}
}

func dropOn(w schema.WindowID, target schema.TabID, before bool) schema.DropInput {
	y := 15.0
	if before {
		y = 5.0
	}
	return schema.DropInput{WindowID: w, TargetTabID: target, TargetRect: schema.Rect{Top: 0, Height: 20}, PointerY: y}
}

func TestDropBeforeTargetIssuesReversedMoves(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d")
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]

	resp, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w, DraggedTabIDs: []schema.TabID{a, d}},
		Input:   dropOn(w, c, true),
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	want := []schema.MoveRequest{
		{TabIDs: []schema.TabID{d}, WindowID: w, Index: 2},
		{TabIDs: []schema.TabID{a}, WindowID: w, Index: 1},
	}
	if diff := cmp.Diff(want, resp.Requests); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if got := h.src.Calls(memsource.OpMove); got != 2 {
		t.Fatalf("expected 2 move calls, got %d", got)
	}
	if diff := cmp.Diff([]schema.TabID{b, a, d, c}, h.mirrors(w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if !resp.Disposition.InsertBefore || resp.Disposition.JoinGroup || resp.Disposition.CrossWindow {
		t.Fatalf("unexpected disposition %+v", resp.Disposition)
	}
}

func TestDropAfterTargetKeepsDraggedOrder(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d", "e")
	if _, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w, DraggedTabIDs: []schema.TabID{ids[4], ids[0]}},
		Input:   dropOn(w, ids[2], false),
	}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	want := []schema.TabID{ids[1], ids[2], ids[0], ids[4], ids[3]}
	if diff := cmp.Diff(want, h.mirrors(w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestDropCrossWindowIssuesSingleMove(t *testing.T) {
	h := newHarness(t)
	w1, err := h.src.CreateWindow(h.ctx, core.WindowOptions{})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	w2, err := h.src.CreateWindow(h.ctx, core.WindowOptions{})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := h.src.Create(h.ctx, core.CreateOptions{WindowID: w2.ID, Index: schema.AppendIndex}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := h.src.Create(h.ctx, core.CreateOptions{WindowID: w1.ID, Index: schema.AppendIndex}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if w1.ID != 1 || w2.ID != 2 {
		t.Fatalf("unexpected window ids %d %d", w1.ID, w2.ID)
	}
	target := h.src.Order(2)[2]

	resp, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: 1, DraggedTabIDs: []schema.TabID{7}},
		Input:   dropOn(2, target, true),
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	want := []schema.MoveRequest{{TabIDs: []schema.TabID{7}, WindowID: 2, Index: 2}}
	if diff := cmp.Diff(want, resp.Requests); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if got := h.src.Calls(memsource.OpMove); got != 1 {
		t.Fatalf("expected one move call, got %d", got)
	}
	if got := h.mirrors(2); got[2] != 7 {
		t.Fatalf("expected tab 7 at index 2, got %v", got)
	}
	if diff := cmp.Diff([]schema.TabID{5, 6}, h.mirrors(1)); diff != "" {
		t.Fatalf("source window mismatch (-want +got):\n%s", diff)
	}
}

func TestDropPinnedOnUnpinnedIsRejected(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c")
	h.pin(ids[0])
	before := h.mirrors(w)

	resp, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w, DraggedPinnedTabIDs: []schema.TabID{ids[0]}, SourcePinned: true},
		Input:   dropOn(w, ids[2], true),
	})
	if !errors.Is(err, schema.ErrIncompatibleDrop) {
		t.Fatalf("expected incompatible drop, got %v", err)
	}
	if len(resp.Requests) != 0 || h.src.Calls(memsource.OpMove) != 0 {
		t.Fatalf("expected no requests, got %v", resp.Requests)
	}
	if diff := cmp.Diff(before, h.mirrors(w)); diff != "" {
		t.Fatalf("rejected drop changed order (-want +got):\n%s", diff)
	}
}

func TestDropJoinsTargetGroup(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d", "e")
	if _, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids[1:3]}); err != nil {
		t.Fatalf("group: %v", err)
	}
	resp, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w, DraggedTabIDs: []schema.TabID{ids[4]}},
		Input:   dropOn(w, ids[2], false),
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if !resp.Disposition.JoinGroup {
		t.Fatalf("expected a joining drop, got %+v", resp.Disposition)
	}
	want := []schema.TabID{ids[0], ids[1], ids[2], ids[4], ids[3]}
	if diff := cmp.Diff(want, h.mirrors(w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	g := h.container(w, ids[4])
	if g.Kind != schema.ContainerGroup || g.GroupID != ids[1] || len(g.Tabs) != 3 {
		t.Fatalf("unexpected container %+v", g)
	}
}

func TestDropDuplicatePlacesCopies(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c")
	in := dropOn(w, ids[2], true)
	in.Copy = true
	resp, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w, DraggedTabIDs: []schema.TabID{ids[0]}},
		Input:   in,
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if resp.Disposition.Effect != schema.EffectDuplicate {
		t.Fatalf("expected duplicate effect, got %s", resp.Disposition.Effect)
	}
	if got := h.src.Calls(memsource.OpDuplicate); got != 1 {
		t.Fatalf("expected one duplicate call, got %d", got)
	}
	got := h.mirrors(w)
	if len(got) != 4 || got[0] != ids[0] || got[3] != ids[2] {
		t.Fatalf("unexpected order after duplicate drop: %v", got)
	}
}

func TestPlannerFailureReconciles(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d")
	h.src.FailNext(memsource.OpMove, nil)

	resp, err := h.svc.Drop(h.ctx, schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w, DraggedTabIDs: []schema.TabID{ids[0]}},
		Input:   dropOn(w, ids[2], true),
	})
	if err != nil {
		t.Fatalf("expected the failure to be absorbed, got %v", err)
	}
	if !resp.Reconciled {
		t.Fatalf("expected a reconciled response")
	}
	if len(resp.Requests) != 1 {
		t.Fatalf("expected the failed request to be reported, got %v", resp.Requests)
	}
	if diff := cmp.Diff(ids, h.mirrors(w)); diff != "" {
		t.Fatalf("rollback mismatch (-want +got):\n%s", diff)
	}
	if h.events.count(schema.TreeEventReconciled, w) == 0 {
		t.Fatalf("expected a reconciled event")
	}
}

func TestGroupSelectedGathersTabs(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d", "e")
	resp, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: []schema.TabID{ids[4], ids[0], ids[2]}})
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(resp.Requests) != 2 {
		t.Fatalf("expected 2 requests, got %v", resp.Requests)
	}
	want := []schema.TabID{ids[0], ids[2], ids[4], ids[1], ids[3]}
	if diff := cmp.Diff(want, h.mirrors(w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if resp.Container.Kind != schema.ContainerGroup || resp.Container.GroupID != ids[0] || len(resp.Container.Tabs) != 3 {
		t.Fatalf("unexpected container %+v", resp.Container)
	}
}

func TestGroupRejectsPinned(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b")
	h.pin(ids[0])
	if _, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids}); !errors.Is(err, schema.ErrStructuralViolation) {
		t.Fatalf("expected structural violation, got %v", err)
	}
	if h.src.Calls(memsource.OpMove) != 0 {
		t.Fatalf("rejected group issued requests")
	}
}

func TestDetachMiddleMovesAfterGroup(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d")
	if _, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids[:3]}); err != nil {
		t.Fatalf("group: %v", err)
	}
	resp, err := h.svc.DetachTab(h.ctx, schema.DetachTabRequest{WindowID: w, TabID: ids[1]})
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	want := []schema.MoveRequest{{TabIDs: []schema.TabID{ids[1]}, WindowID: w, Index: 2}}
	if diff := cmp.Diff(want, resp.Requests); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]schema.TabID{ids[0], ids[2], ids[1], ids[3]}, h.mirrors(w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if c := h.container(w, ids[1]); c.Kind != schema.ContainerSingle {
		t.Fatalf("expected detached tab in a single container, got %s", c.Kind)
	}
	if c := h.container(w, ids[0]); c.Kind != schema.ContainerGroup || len(c.Tabs) != 2 {
		t.Fatalf("expected remaining group of 2, got %+v", c)
	}
}

func TestDetachEdgeIsLocal(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c")
	if _, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids}); err != nil {
		t.Fatalf("group: %v", err)
	}
	resp, err := h.svc.DetachTab(h.ctx, schema.DetachTabRequest{WindowID: w, TabID: ids[2]})
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if len(resp.Requests) != 0 || h.src.Calls(memsource.OpMove) != 0 {
		t.Fatalf("expected a local detach, got %v", resp.Requests)
	}
	h.mirrors(w)
}

func TestUngroupAndCollapseAreLocal(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c")
	g, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids[:2]})
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	col, err := h.svc.Collapse(h.ctx, schema.CollapseRequest{WindowID: w, ContainerID: g.Container.ID, Collapsed: true})
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if !col.Container.Collapsed {
		t.Fatalf("expected collapsed container")
	}
	un, err := h.svc.Ungroup(h.ctx, schema.UngroupRequest{WindowID: w, ContainerID: g.Container.ID})
	if err != nil {
		t.Fatalf("ungroup: %v", err)
	}
	for _, c := range un.Window.Containers[1:] {
		if c.Kind != schema.ContainerSingle {
			t.Fatalf("expected only singles after ungroup, got %s", c.Kind)
		}
	}
	if h.src.Calls(memsource.OpMove) != 0 {
		t.Fatalf("local commands issued move requests")
	}
	h.mirrors(w)
}

func TestMoveToNewWindow(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c")
	resp, err := h.svc.MoveToNewWindow(h.ctx, schema.MoveToNewWindowRequest{TabIDs: []schema.TabID{ids[2], ids[1]}})
	if err != nil {
		t.Fatalf("move to new window: %v", err)
	}
	nw := resp.Window.ID
	want := []schema.MoveRequest{{TabIDs: []schema.TabID{ids[1], ids[2]}, WindowID: nw, Index: schema.AppendIndex}}
	if diff := cmp.Diff(want, resp.Requests); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids[1:], h.mirrors(nw)); diff != "" {
		t.Fatalf("new window mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids[:1], h.mirrors(w)); diff != "" {
		t.Fatalf("old window mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenerAdjacency(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c")
	if _, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids[1:]}); err != nil {
		t.Fatalf("group: %v", err)
	}
	child, err := h.src.Create(h.ctx, core.CreateOptions{WindowID: w, Index: 3, OpenerID: ids[2]})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if c := h.container(w, child.ID); c.Kind != schema.ContainerGroup || c.GroupID != ids[1] {
		t.Fatalf("expected child in opener group, got %+v", c)
	}
	sibling, err := h.src.Create(h.ctx, core.CreateOptions{WindowID: w, Index: 1, OpenerID: ids[0]})
	if err != nil {
		t.Fatalf("create sibling: %v", err)
	}
	c := h.container(w, sibling.ID)
	if c.Kind != schema.ContainerGroup || c.GroupID != ids[0] {
		t.Fatalf("expected opener single to become a group, got %+v", c)
	}
	far, err := h.src.Create(h.ctx, core.CreateOptions{WindowID: w, Index: schema.AppendIndex, OpenerID: ids[0]})
	if err != nil {
		t.Fatalf("create far: %v", err)
	}
	if c := h.container(w, far.ID); c.Kind != schema.ContainerSingle {
		t.Fatalf("expected distant child in its own container, got %+v", c)
	}
	h.mirrors(w)
}

func TestExternalMoveToGroupEdgeStaysGrouped(t *testing.T) {
	h := newHarness(t)
	w, ids := h.window("a", "b", "c", "d", "e")
	if _, err := h.svc.GroupTabs(h.ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids[1:4]}); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := h.src.Move(h.ctx, []schema.TabID{ids[3]}, core.MoveOptions{WindowID: w, Index: 1}); err != nil {
		t.Fatalf("move: %v", err)
	}
	want := []schema.TabID{ids[0], ids[3], ids[1], ids[2], ids[4]}
	if diff := cmp.Diff(want, h.mirrors(w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	c := h.container(w, ids[3])
	if c.Kind != schema.ContainerGroup || c.GroupID != ids[1] || len(c.Tabs) != 3 {
		t.Fatalf("expected tab to stay in its group, got %+v", c)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	src := memsource.New(memsource.Options{Logger: quietLogger()})
	var log []schema.Notification
	src.OnNotify(func(n schema.Notification) { log = append(log, n) })

	ctx := context.Background()
	w1, ids := openWindow(t, src, "a", "b", "c", "d", "e")
	w2, _ := openWindow(t, src, "x")
	pinned := true
	if _, err := src.Update(ctx, ids[3], core.TabPatch{Pinned: &pinned}); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := src.Move(ctx, []schema.TabID{ids[0]}, core.MoveOptions{WindowID: w1, Index: 3}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := src.Move(ctx, []schema.TabID{ids[1]}, core.MoveOptions{WindowID: w2, Index: 0}); err != nil {
		t.Fatalf("cross move: %v", err)
	}
	if err := src.Remove(ctx, []schema.TabID{ids[2]}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	muted := true
	if _, err := src.Update(ctx, ids[4], core.TabPatch{Muted: &muted}); err != nil {
		t.Fatalf("mute: %v", err)
	}

	svc := newService(t, src, nil)
	snapshotAll := func() map[schema.WindowID]schema.WindowSnapshot {
		out := make(map[schema.WindowID]schema.WindowSnapshot)
		list, _ := svc.ListWindows(ctx, schema.ListWindowsRequest{})
		for _, w := range list.Windows {
			resp, err := svc.Snapshot(ctx, schema.SnapshotRequest{WindowID: w})
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			out[w] = resp.Window
		}
		return out
	}
	for i, n := range log {
		_ = svc.Apply(ctx, n)
		once := snapshotAll()
		_ = svc.Apply(ctx, n)
		if diff := cmp.Diff(once, snapshotAll()); diff != "" {
			t.Fatalf("notification %d (%s) not idempotent (-once +twice):\n%s", i, n.Kind(), diff)
		}
	}
	for _, w := range []schema.WindowID{w1, w2} {
		if diff := cmp.Diff(src.Order(w), order(t, svc, w)); diff != "" {
			t.Fatalf("window %d diverged after replay (-source +engine):\n%s", w, diff)
		}
	}
}

func TestStaleMoveRefetchesOnce(t *testing.T) {
	src := memsource.New(memsource.Options{Logger: quietLogger()})
	w, ids := openWindow(t, src, "a", "b", "c")
	svc := newService(t, src, nil)
	ctx := context.Background()
	if err := svc.Apply(ctx, schema.Created{Tab: schema.Tab{ID: ids[0], WindowID: w, Index: 0}}); err != nil {
		t.Fatalf("apply created: %v", err)
	}
	if err := svc.Apply(ctx, schema.Moved{TabID: ids[2], WindowID: w, FromIndex: 2, ToIndex: 1}); err != nil {
		t.Fatalf("apply moved: %v", err)
	}
	if diff := cmp.Diff([]schema.TabID{ids[0], ids[2]}, order(t, svc, w)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	err := svc.Apply(ctx, schema.Moved{TabID: 99, WindowID: w, FromIndex: 0, ToIndex: 1})
	if !errors.Is(err, schema.ErrStaleReference) {
		t.Fatalf("expected stale reference for unknown tab, got %v", err)
	}
}

func TestAttachBeforeDetach(t *testing.T) {
	src := memsource.New(memsource.Options{Logger: quietLogger()})
	w1, ids1 := openWindow(t, src, "a", "b")
	w2, ids2 := openWindow(t, src, "x")
	svc := newService(t, src, nil)
	ctx := context.Background()
	if err := svc.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := svc.Apply(ctx, schema.Attached{TabID: ids1[1], NewWindowID: w2, NewPosition: 1}); err != nil {
		t.Fatalf("apply attached: %v", err)
	}
	if err := svc.Apply(ctx, schema.Detached{TabID: ids1[1], OldWindowID: w1, OldPosition: 1}); err != nil {
		t.Fatalf("apply detached: %v", err)
	}
	if diff := cmp.Diff(ids1[:1], order(t, svc, w1)); diff != "" {
		t.Fatalf("old window mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]schema.TabID{ids2[0], ids1[1]}, order(t, svc, w2)); diff != "" {
		t.Fatalf("new window mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowCloseDropsView(t *testing.T) {
	h := newHarness(t)
	w, _ := h.window("a", "b")
	if err := h.src.CloseWindow(h.ctx, w); err != nil {
		t.Fatalf("close: %v", err)
	}
	list, err := h.svc.ListWindows(h.ctx, schema.ListWindowsRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Windows) != 0 {
		t.Fatalf("expected no windows, got %v", list.Windows)
	}
	if h.events.count(schema.TreeEventClosed, w) != 1 {
		t.Fatalf("expected one closed event")
	}
	if _, err := h.svc.Snapshot(h.ctx, schema.SnapshotRequest{WindowID: w}); !errors.Is(err, schema.ErrWindowNotFound) {
		t.Fatalf("expected window not found, got %v", err)
	}
}

func TestSyncRestoresSavedShape(t *testing.T) {
	dir := t.TempDir()
	src := memsource.New(memsource.Options{Logger: quietLogger()})
	w, ids := openWindow(t, src, "a", "b", "c")
	cfg := schema.ServiceConfig{StateDir: dir, PersistShapes: true, CheckInvariants: true}
	first, err := core.NewService(cfg, core.ServiceDeps{Source: src, Windows: src, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if err := first.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := first.GroupTabs(ctx, schema.GroupTabsRequest{WindowID: w, TabIDs: ids[1:]}); err != nil {
		t.Fatalf("group: %v", err)
	}

	second, err := core.NewService(cfg, core.ServiceDeps{Source: src, Windows: src, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := second.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	shape, err := second.Shape(ctx, schema.ShapeRequest{WindowID: w})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if diff := cmp.Diff([][]int{{1, 2}}, shape.Shape.Groups); diff != "" {
		t.Fatalf("restored groups mismatch (-want +got):\n%s", diff)
	}
}

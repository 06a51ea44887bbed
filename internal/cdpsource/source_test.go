package cdpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/schema"
)

type fakeBrowser struct {
	mu        sync.Mutex
	next      int
	window    map[target.ID]browser.WindowID
	nextWin   browser.WindowID
	current   browser.WindowID
	closed    []target.ID
	activated []target.ID
	navigated map[target.ID]string
	events    chan pageEvent
	failOpen  error
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		window:    make(map[target.ID]browser.WindowID),
		nextWin:   100,
		current:   100,
		navigated: make(map[target.ID]string),
		events:    make(chan pageEvent, 64),
	}
}

// seed registers a page that existed before the source connected.
func (f *fakeBrowser) seed(w browser.WindowID) pageInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := target.ID(fmt.Sprintf("T%d", f.next))
	f.window[id] = w
	return pageInfo{ID: id, URL: fmt.Sprintf("https://example.com/%d", f.next)}
}

func (f *fakeBrowser) Pages(ctx context.Context) ([]pageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]target.ID, 0, len(f.window))
	for id := range f.window {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]pageInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, pageInfo{ID: id, URL: "https://example.com/" + string(id)})
	}
	return out, nil
}

func (f *fakeBrowser) WindowOf(ctx context.Context, id target.ID) (browser.WindowID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.window[id]
	if !ok {
		return 0, errors.New("no such target")
	}
	return w, nil
}

func (f *fakeBrowser) Open(ctx context.Context, url string, newWindow bool) (target.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen != nil {
		return "", f.failOpen
	}
	f.next++
	id := target.ID(fmt.Sprintf("T%d", f.next))
	if newWindow {
		f.nextWin++
		f.current = f.nextWin
	}
	f.window[id] = f.current
	f.events <- pageEvent{kind: pageCreated, page: pageInfo{ID: id, URL: url}}
	return id, nil
}

func (f *fakeBrowser) Close(ctx context.Context, id target.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.window, id)
	f.closed = append(f.closed, id)
	f.events <- pageEvent{kind: pageDestroyed, page: pageInfo{ID: id}}
	return nil
}

func (f *fakeBrowser) Activate(ctx context.Context, id target.ID) error {
	f.mu.Lock()
	f.activated = append(f.activated, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeBrowser) Navigate(ctx context.Context, id target.ID, url string) error {
	f.mu.Lock()
	f.navigated[id] = url
	f.mu.Unlock()
	return nil
}

func (f *fakeBrowser) Events() <-chan pageEvent { return f.events }

func (f *fakeBrowser) Shutdown() {}

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
}

func newTestSource(t *testing.T, f *fakeBrowser) *Source {
	t.Helper()
	s := newSource(f, Options{Buffer: 64}, quietLogger())
	if err := s.adoptExisting(context.Background()); err != nil {
		t.Fatalf("adopt existing: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// drain applies queued browser events the way the pump would.
func drain(s *Source, f *fakeBrowser) {
	for {
		select {
		case ev := <-f.events:
			s.handle(context.Background(), ev)
		default:
			return
		}
	}
}

func windowsOf(t *testing.T, s *Source) map[schema.WindowID][]schema.TabID {
	t.Helper()
	tabs, err := s.Query(context.Background(), core.TabQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	out := make(map[schema.WindowID][]schema.TabID)
	for _, tab := range tabs {
		out[tab.WindowID] = append(out[tab.WindowID], tab.ID)
	}
	return out
}

func TestAdoptExistingGroupsPagesByWindow(t *testing.T) {
	f := newFakeBrowser()
	f.seed(100)
	f.seed(100)
	f.seed(200)
	s := newTestSource(t, f)
	got := windowsOf(t, s)
	if len(got) != 2 {
		t.Fatalf("expected 2 windows, got %v", got)
	}
	sizes := []int{}
	for _, ids := range got {
		sizes = append(sizes, len(ids))
	}
	slices.Sort(sizes)
	if !slices.Equal(sizes, []int{1, 2}) {
		t.Fatalf("unexpected window sizes %v", sizes)
	}
}

func TestCreateDoesNotAdoptOwnPageTwice(t *testing.T) {
	f := newFakeBrowser()
	f.seed(100)
	s := newTestSource(t, f)
	ctx := context.Background()
	tab, err := s.Create(ctx, core.CreateOptions{Index: schema.AppendIndex, URL: "https://example.org"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tab.Status != schema.TabStatusLoading {
		t.Fatalf("expected a loading tab, got %q", tab.Status)
	}
	drain(s, f)
	tabs, err := s.Query(ctx, core.TabQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("expected 2 tabs, got %d", len(tabs))
	}
}

func TestPageInfoMarksTabComplete(t *testing.T) {
	f := newFakeBrowser()
	page := f.seed(100)
	s := newTestSource(t, f)
	id, ok := s.tabFor(page.ID)
	if !ok {
		t.Fatalf("seeded page not bound")
	}
	s.handle(context.Background(), pageEvent{kind: pageChanged, page: pageInfo{ID: page.ID, URL: "https://example.net", Title: "Example"}})
	tab, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tab.URL != "https://example.net" || tab.Title != "Example" || tab.Status != schema.TabStatusComplete {
		t.Fatalf("unexpected tab %+v", tab)
	}
}

func TestDestroyedPageRemovesTab(t *testing.T) {
	f := newFakeBrowser()
	first := f.seed(100)
	f.seed(100)
	s := newTestSource(t, f)
	id, _ := s.tabFor(first.ID)
	s.handle(context.Background(), pageEvent{kind: pageDestroyed, page: pageInfo{ID: first.ID}})
	if _, err := s.Get(context.Background(), id); !errors.Is(err, schema.ErrTabNotFound) {
		t.Fatalf("expected removed tab, got %v", err)
	}
	if _, ok := s.tabFor(first.ID); ok {
		t.Fatalf("expected target binding to be dropped")
	}
}

func TestRemoveClosesPage(t *testing.T) {
	f := newFakeBrowser()
	f.seed(100)
	second := f.seed(100)
	s := newTestSource(t, f)
	id, _ := s.tabFor(second.ID)
	if err := s.Remove(context.Background(), []schema.TabID{id}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	drain(s, f)
	if !slices.Contains(f.closed, second.ID) {
		t.Fatalf("expected page %s to be closed, got %v", second.ID, f.closed)
	}
	if got := windowsOf(t, s); len(got) != 1 {
		t.Fatalf("expected remaining window, got %v", got)
	}
}

func TestUpdateNavigatesAndActivates(t *testing.T) {
	f := newFakeBrowser()
	page := f.seed(100)
	s := newTestSource(t, f)
	id, _ := s.tabFor(page.ID)
	url := "https://example.com/next"
	active := true
	tab, err := s.Update(context.Background(), id, core.TabPatch{URL: &url, Active: &active})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.navigated[page.ID] != url || !slices.Contains(f.activated, page.ID) {
		t.Fatalf("expected navigate and activate, got %v %v", f.navigated, f.activated)
	}
	if tab.URL != url {
		t.Fatalf("expected model url %q, got %q", url, tab.URL)
	}
}

func TestCreateWindowBindsFirstPage(t *testing.T) {
	f := newFakeBrowser()
	f.seed(100)
	s := newTestSource(t, f)
	ctx := context.Background()
	w, err := s.CreateWindow(ctx, core.WindowOptions{Focused: true})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	drain(s, f)
	order := s.model.Order(w.ID)
	if len(order) != 1 {
		t.Fatalf("expected one page in the new window, got %v", order)
	}
	if _, err := s.targetFor(order[0]); err != nil {
		t.Fatalf("first page not bound: %v", err)
	}
	cur, err := s.CurrentWindow(ctx)
	if err != nil || cur.ID != w.ID {
		t.Fatalf("expected new window focused, got %v %v", cur, err)
	}
}

func TestAdoptPlacesChildAfterOpener(t *testing.T) {
	f := newFakeBrowser()
	parent := f.seed(100)
	f.seed(100)
	s := newTestSource(t, f)
	child := f.seed(100)
	child.Opener = parent.ID
	s.handle(context.Background(), pageEvent{kind: pageCreated, page: child})
	pid, _ := s.tabFor(parent.ID)
	cid, ok := s.tabFor(child.ID)
	if !ok {
		t.Fatalf("child page not adopted")
	}
	tab, err := s.Get(context.Background(), cid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tab.Index != 1 || tab.OpenerID != pid {
		t.Fatalf("expected child right after opener, got %+v", tab)
	}
}

func TestCreateFailsWhenBrowserRefuses(t *testing.T) {
	f := newFakeBrowser()
	f.seed(100)
	s := newTestSource(t, f)
	f.failOpen = errors.New("refused")
	if _, err := s.Create(context.Background(), core.CreateOptions{Index: schema.AppendIndex}); err == nil {
		t.Fatalf("expected create to fail")
	}
	tabs, err := s.Query(context.Background(), core.TabQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tabs) != 1 {
		t.Fatalf("expected the failed create to leave the strip alone, got %d tabs", len(tabs))
	}
}

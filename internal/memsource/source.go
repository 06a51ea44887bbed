// Package memsource is an in-memory tab source with browser placement rules.
// It backs the simulator and the engine tests.
package memsource

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/schema"
)

// Op names a source operation for failure injection and call counting.
type Op string

const (
	OpCreate    Op = "create"
	OpMove      Op = "move"
	OpUpdate    Op = "update"
	OpRemove    Op = "remove"
	OpDuplicate Op = "duplicate"
	OpWindow    Op = "window"
)

// ErrInjected is returned by operations failed through FailNext with a nil error.
var ErrInjected = errors.New("injected failure")

const defaultBuffer = 1024

// Options configures a Source.
type Options struct {
	Logger pslog.Logger
	// Buffer is the notification channel depth.
	Buffer int
}

type window struct {
	id        schema.WindowID
	incognito bool
	tabs      []*schema.Tab
	active    schema.TabID
}

func (w *window) pinnedCount() int {
	n := 0
	for _, tab := range w.tabs {
		if tab.Pinned {
			n++
		}
	}
	return n
}

func (w *window) indexOf(id schema.TabID) int {
	return slices.IndexFunc(w.tabs, func(tab *schema.Tab) bool { return tab.ID == id })
}

// clamp keeps index inside the pinned or unpinned section of w. The tab
// being placed must not be in w.tabs.
func (w *window) clamp(index int, pinned bool) int {
	lo, hi := 0, w.pinnedCount()
	if !pinned {
		lo, hi = hi, len(w.tabs)
	}
	if index < 0 || index > hi {
		return hi
	}
	if index < lo {
		return lo
	}
	return index
}

func (w *window) insert(tab *schema.Tab, index int) int {
	index = w.clamp(index, tab.Pinned)
	w.tabs = slices.Insert(w.tabs, index, tab)
	tab.WindowID = w.id
	return index
}

func (w *window) remove(id schema.TabID) (*schema.Tab, int) {
	at := w.indexOf(id)
	if at < 0 {
		return nil, -1
	}
	tab := w.tabs[at]
	w.tabs = slices.Delete(w.tabs, at, at+1)
	return tab, at
}

// Source holds windows and tabs in memory and reports every change as a
// notification, both to OnNotify hooks and to the Notifications channel.
type Source struct {
	mu      sync.Mutex
	nextTab schema.TabID
	nextWin schema.WindowID
	windows map[schema.WindowID]*window
	focused schema.WindowID
	fail    map[Op][]error
	calls   map[Op]int
	pending []schema.Notification

	deliverMu sync.Mutex
	hooks     []func(schema.Notification)
	ch        chan schema.Notification
	closed    bool
	log       pslog.Logger
}

var (
	_ core.TabSource          = (*Source)(nil)
	_ core.WindowService      = (*Source)(nil)
	_ core.NotificationSource = (*Source)(nil)
)

// New constructs an empty Source.
func New(opts Options) *Source {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Source{
		windows: make(map[schema.WindowID]*window),
		fail:    make(map[Op][]error),
		calls:   make(map[Op]int),
		ch:      make(chan schema.Notification, opts.Buffer),
		log:     logger.With("source", "memory"),
	}
}

// OnNotify registers a hook called synchronously for every notification,
// after the source state lock is released and in generation order.
func (s *Source) OnNotify(fn func(schema.Notification)) {
	s.deliverMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.deliverMu.Unlock()
}

// Notifications returns the notification stream.
func (s *Source) Notifications() <-chan schema.Notification {
	return s.ch
}

// Close ends the notification stream.
func (s *Source) Close() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// FailNext makes the next call of op return err. A nil err fails with ErrInjected.
func (s *Source) FailNext(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	s.fail[op] = append(s.fail[op], err)
	s.mu.Unlock()
}

// Calls reports how many times op was invoked, failed calls included.
func (s *Source) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enterLocked counts the call and pops an injected failure.
func (s *Source) enterLocked(op Op) error {
	s.calls[op]++
	queue := s.fail[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.fail[op] = queue[1:]
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Source) emitLocked(n schema.Notification) {
	s.pending = append(s.pending, n)
}

func (s *Source) flush() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, n := range batch {
			for _, hook := range s.hooks {
				hook(n)
			}
			if s.closed {
				continue
			}
			select {
			case s.ch <- n:
			default:
				s.log.Trace("memsource notification dropped", "kind", n.Kind())
			}
		}
	}
}

func snapshotTab(w *window, tab *schema.Tab) schema.Tab {
	out := *tab
	out.Index = w.indexOf(tab.ID)
	out.Active = w.active == tab.ID
	return out
}

func (s *Source) findLocked(id schema.TabID) (*window, *schema.Tab) {
	for _, w := range s.windows {
		if at := w.indexOf(id); at >= 0 {
			return w, w.tabs[at]
		}
	}
	return nil, nil
}

func (s *Source) windowLocked(id schema.WindowID) (*window, error) {
	if id == schema.NoWindow {
		id = s.focused
	}
	w, ok := s.windows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, id)
	}
	return w, nil
}

func (s *Source) activateLocked(w *window, id schema.TabID) {
	if w.active == id {
		return
	}
	w.active = id
	s.emitLocked(schema.Activated{TabID: id, WindowID: w.id})
}

// handOffActiveLocked activates the neighbour at the old position of id
// when id was the active tab of w and has left it.
func (s *Source) handOffActiveLocked(w *window, id schema.TabID, at int) {
	if w.active != id {
		return
	}
	w.active = schema.NoTab
	if len(w.tabs) == 0 {
		return
	}
	s.activateLocked(w, w.tabs[min(at, len(w.tabs)-1)].ID)
}

// closeIfEmptyLocked drops a window whose last tab left it.
func (s *Source) closeIfEmptyLocked(w *window) {
	if len(w.tabs) > 0 {
		return
	}
	delete(s.windows, w.id)
	if s.focused == w.id {
		s.focused = s.lowestWindowLocked()
	}
	s.emitLocked(schema.WindowRemoved{WindowID: w.id})
}

func (s *Source) lowestWindowLocked() schema.WindowID {
	lowest := schema.NoWindow
	for id := range s.windows {
		if lowest == schema.NoWindow || id < lowest {
			lowest = id
		}
	}
	return lowest
}

func (s *Source) Create(ctx context.Context, opts core.CreateOptions) (schema.Tab, error) {
	s.mu.Lock()
	if err := s.enterLocked(OpCreate); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, err
	}
	w, err := s.windowLocked(opts.WindowID)
	if err != nil {
		s.mu.Unlock()
		return schema.Tab{}, err
	}
	s.nextTab++
	tab := &schema.Tab{
		ID:       s.nextTab,
		Pinned:   opts.Pinned,
		URL:      opts.URL,
		Title:    opts.URL,
		Status:   schema.TabStatusComplete,
		OpenerID: opts.OpenerID,
	}
	w.insert(tab, opts.Index)
	s.emitLocked(schema.Created{Tab: snapshotTab(w, tab)})
	if opts.Active || w.active == schema.NoTab {
		s.activateLocked(w, tab.ID)
	}
	out := snapshotTab(w, tab)
	s.mu.Unlock()
	s.flush()
	return out, nil
}

func (s *Source) Get(ctx context.Context, id schema.TabID) (schema.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, tab := s.findLocked(id)
	if tab == nil {
		return schema.Tab{}, fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
	}
	return snapshotTab(w, tab), nil
}

func (s *Source) Query(ctx context.Context, q core.TabQuery) ([]schema.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]schema.WindowID, 0, len(s.windows))
	for id := range s.windows {
		if q.WindowID == schema.NoWindow || q.WindowID == id {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	var out []schema.Tab
	for _, id := range ids {
		w := s.windows[id]
		for _, tab := range w.tabs {
			out = append(out, snapshotTab(w, tab))
		}
	}
	return out, nil
}

// Move places ids one after another starting at opts.Index, or appends them
// when the index is -1. Tabs that change window are detached and attached.
func (s *Source) Move(ctx context.Context, ids []schema.TabID, opts core.MoveOptions) error {
	s.mu.Lock()
	if err := s.enterLocked(OpMove); err != nil {
		s.mu.Unlock()
		return err
	}
	for i, id := range ids {
		from, tab := s.findLocked(id)
		if tab == nil {
			s.mu.Unlock()
			s.flush()
			return fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
		}
		dst := from
		if opts.WindowID != schema.NoWindow {
			var err error
			if dst, err = s.windowLocked(opts.WindowID); err != nil {
				s.mu.Unlock()
				s.flush()
				return err
			}
		}
		index := opts.Index
		if index >= 0 {
			index += i
		}
		_, at := from.remove(id)
		to := dst.insert(tab, index)
		if dst == from {
			if to != at {
				s.emitLocked(schema.Moved{TabID: id, WindowID: dst.id, FromIndex: at, ToIndex: to})
			}
			continue
		}
		s.emitLocked(schema.Detached{TabID: id, OldWindowID: from.id, OldPosition: at})
		s.emitLocked(schema.Attached{TabID: id, NewWindowID: dst.id, NewPosition: to})
		if dst.active == schema.NoTab {
			s.activateLocked(dst, id)
		}
		s.handOffActiveLocked(from, id, at)
		s.closeIfEmptyLocked(from)
	}
	s.mu.Unlock()
	s.flush()
	return nil
}

// Update applies patch. Pinning moves the tab to the end of the pinned
// section, unpinning to the first unpinned slot.
func (s *Source) Update(ctx context.Context, id schema.TabID, patch core.TabPatch) (schema.Tab, error) {
	s.mu.Lock()
	if err := s.enterLocked(OpUpdate); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, err
	}
	w, tab := s.findLocked(id)
	if tab == nil {
		s.mu.Unlock()
		return schema.Tab{}, fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
	}
	var changed []schema.TabField
	var moved *schema.Moved
	if patch.Pinned != nil && *patch.Pinned != tab.Pinned {
		_, at := w.remove(id)
		tab.Pinned = *patch.Pinned
		to := w.insert(tab, w.pinnedCount())
		changed = append(changed, schema.FieldPinned)
		if to != at {
			moved = &schema.Moved{TabID: id, WindowID: w.id, FromIndex: at, ToIndex: to}
		}
	}
	if patch.Muted != nil && *patch.Muted != tab.Muted {
		tab.Muted = *patch.Muted
		changed = append(changed, schema.FieldMuted)
	}
	if patch.URL != nil && *patch.URL != tab.URL {
		tab.URL = *patch.URL
		tab.Title = *patch.URL
		changed = append(changed, schema.FieldURL, schema.FieldTitle)
	}
	if len(changed) > 0 {
		s.emitLocked(schema.Updated{TabID: id, Changed: changed, Tab: snapshotTab(w, tab)})
	}
	if moved != nil {
		s.emitLocked(*moved)
	}
	if patch.Active != nil && *patch.Active {
		s.activateLocked(w, id)
	}
	out := snapshotTab(w, tab)
	s.mu.Unlock()
	s.flush()
	return out, nil
}

// SetStatus changes the loading status of a tab.
func (s *Source) SetStatus(id schema.TabID, status schema.TabStatus) error {
	s.mu.Lock()
	w, tab := s.findLocked(id)
	if tab == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
	}
	if tab.Status != status {
		tab.Status = status
		s.emitLocked(schema.Updated{TabID: id, Changed: []schema.TabField{schema.FieldStatus}, Tab: snapshotTab(w, tab)})
	}
	s.mu.Unlock()
	s.flush()
	return nil
}

// SetPage records page details reported by a browser. Empty url or title
// leave the current value.
func (s *Source) SetPage(id schema.TabID, url, title string, status schema.TabStatus) error {
	s.mu.Lock()
	w, tab := s.findLocked(id)
	if tab == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
	}
	var changed []schema.TabField
	if url != "" && url != tab.URL {
		tab.URL = url
		changed = append(changed, schema.FieldURL)
	}
	if title != "" && title != tab.Title {
		tab.Title = title
		changed = append(changed, schema.FieldTitle)
	}
	if status != "" && status != tab.Status {
		tab.Status = status
		changed = append(changed, schema.FieldStatus)
	}
	if len(changed) > 0 {
		s.emitLocked(schema.Updated{TabID: id, Changed: changed, Tab: snapshotTab(w, tab)})
	}
	s.mu.Unlock()
	s.flush()
	return nil
}

func (s *Source) Remove(ctx context.Context, ids []schema.TabID) error {
	s.mu.Lock()
	if err := s.enterLocked(OpRemove); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, id := range ids {
		w, tab := s.findLocked(id)
		if tab == nil {
			continue
		}
		_, at := w.remove(id)
		s.emitLocked(schema.Removed{TabID: id, WindowID: w.id, IsWindowClosing: len(w.tabs) == 0})
		s.handOffActiveLocked(w, id, at)
		s.closeIfEmptyLocked(w)
	}
	s.mu.Unlock()
	s.flush()
	return nil
}

// Duplicate opens a copy of id right after it. The copy has no opener.
func (s *Source) Duplicate(ctx context.Context, id schema.TabID, opts core.DuplicateOptions) (schema.Tab, error) {
	s.mu.Lock()
	if err := s.enterLocked(OpDuplicate); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, err
	}
	w, orig := s.findLocked(id)
	if orig == nil {
		s.mu.Unlock()
		return schema.Tab{}, fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
	}
	s.nextTab++
	dup := &schema.Tab{
		ID:     s.nextTab,
		Pinned: orig.Pinned,
		URL:    orig.URL,
		Title:  orig.Title,
		Status: schema.TabStatusComplete,
		Muted:  orig.Muted,
	}
	w.insert(dup, w.indexOf(id)+1)
	s.emitLocked(schema.Created{Tab: snapshotTab(w, dup)})
	if opts.Active {
		s.activateLocked(w, dup.ID)
	}
	out := snapshotTab(w, dup)
	s.mu.Unlock()
	s.flush()
	return out, nil
}

// Highlight validates the selection. Highlighting has no notification.
func (s *Source) Highlight(ctx context.Context, windowID schema.WindowID, indices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.windowLocked(windowID)
	if err != nil {
		return err
	}
	for _, i := range indices {
		if i < 0 || i >= len(w.tabs) {
			return fmt.Errorf("%w: index %d out of range", schema.ErrInvalidRequest, i)
		}
	}
	return nil
}

// CreateWindow opens a window. A URL opens a first tab in it.
func (s *Source) CreateWindow(ctx context.Context, opts core.WindowOptions) (schema.Window, error) {
	s.mu.Lock()
	if err := s.enterLocked(OpWindow); err != nil {
		s.mu.Unlock()
		return schema.Window{}, err
	}
	s.nextWin++
	w := &window{id: s.nextWin, incognito: opts.Incognito}
	s.windows[w.id] = w
	if opts.Focused || s.focused == schema.NoWindow {
		s.focused = w.id
	}
	if opts.URL != "" {
		s.nextTab++
		tab := &schema.Tab{ID: s.nextTab, URL: opts.URL, Title: opts.URL, Status: schema.TabStatusComplete}
		w.insert(tab, schema.AppendIndex)
		s.emitLocked(schema.Created{Tab: snapshotTab(w, tab)})
		s.activateLocked(w, tab.ID)
	}
	out := schema.Window{ID: w.id, Incognito: w.incognito}
	s.mu.Unlock()
	s.flush()
	return out, nil
}

func (s *Source) CurrentWindow(ctx context.Context) (schema.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.windowLocked(schema.NoWindow)
	if err != nil {
		return schema.Window{}, err
	}
	return schema.Window{ID: w.id, Incognito: w.incognito}, nil
}

// CloseWindow removes every tab of the window, then the window itself.
func (s *Source) CloseWindow(ctx context.Context, id schema.WindowID) error {
	s.mu.Lock()
	w, ok := s.windows[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", schema.ErrWindowNotFound, id)
	}
	for _, tab := range w.tabs {
		s.emitLocked(schema.Removed{TabID: tab.ID, WindowID: id, IsWindowClosing: true})
	}
	w.tabs = nil
	s.closeIfEmptyLocked(w)
	s.mu.Unlock()
	s.flush()
	return nil
}

// Order returns the tab ids of a window in strip order.
func (s *Source) Order(id schema.WindowID) []schema.TabID {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return nil
	}
	out := make([]schema.TabID, 0, len(w.tabs))
	for _, tab := range w.tabs {
		out = append(out, tab.ID)
	}
	return out
}

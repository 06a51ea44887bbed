// Package cdpsource exposes a Chromium browser as a tab source over the
// DevTools protocol.
//
// The browser owns pages and windows. The protocol has no view of the tab
// strip, so tab order, pinning and muting live in a strip model that the
// source keeps in step with page lifecycle events. New pages open in the
// browser's current window; moves between windows only change the model.
package cdpsource

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/internal/memsource"
	"pkt.systems/tabtree/schema"
)

const defaultBuffer = 1024

// Options configures the browser connection.
type Options struct {
	// URL of a running browser's DevTools endpoint. Empty launches a browser.
	URL       string
	ExecPath  string
	Headless  bool
	UserAgent string
	Logger    pslog.Logger
	Buffer    int
}

// Source is a core.TabSource backed by a browser.
type Source struct {
	api   browserAPI
	model *memsource.Source
	log   pslog.Logger

	// createMu orders page creation against adoption of discovered pages.
	createMu sync.Mutex

	mu       sync.Mutex
	byTarget map[target.ID]schema.TabID
	byTab    map[schema.TabID]target.ID
	windows  map[browser.WindowID]schema.WindowID

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ core.TabSource          = (*Source)(nil)
	_ core.WindowService      = (*Source)(nil)
	_ core.NotificationSource = (*Source)(nil)
)

// New connects to the browser, adopts its open pages and starts following
// page events.
func New(ctx context.Context, opts Options) (*Source, error) {
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	log.Info("cdpsource connect start", "remote", opts.URL != "", "headless", opts.Headless)
	api, err := dial(ctx, opts, log)
	if err != nil {
		log.Warn("cdpsource connect failed", "err", err)
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	s := newSource(api, opts, log)
	if err := s.adoptExisting(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.start()
	log.Info("cdpsource connect ok")
	return s, nil
}

func newSource(api browserAPI, opts Options, log pslog.Logger) *Source {
	return &Source{
		api:      api,
		model:    memsource.New(memsource.Options{Logger: log, Buffer: opts.Buffer}),
		log:      log,
		byTarget: make(map[target.ID]schema.TabID),
		byTab:    make(map[schema.TabID]target.ID),
		windows:  make(map[browser.WindowID]schema.WindowID),
		done:     make(chan struct{}),
	}
}

func (s *Source) start() {
	s.wg.Add(1)
	go s.pump()
}

func (s *Source) pump() {
	defer s.wg.Done()
	events := s.api.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handle(context.Background(), ev)
		}
	}
}

func (s *Source) handle(ctx context.Context, ev pageEvent) {
	switch ev.kind {
	case pageCreated:
		s.createMu.Lock()
		defer s.createMu.Unlock()
		if _, ok := s.tabFor(ev.page.ID); ok {
			return
		}
		if err := s.adopt(ctx, ev.page); err != nil {
			s.log.Warn("cdpsource adopt failed", "target", string(ev.page.ID), "err", err)
		}
	case pageChanged:
		id, ok := s.tabFor(ev.page.ID)
		if !ok {
			return
		}
		// a page reporting its info after creation has committed a navigation
		if err := s.model.SetPage(id, ev.page.URL, ev.page.Title, schema.TabStatusComplete); err != nil {
			s.log.Debug("cdpsource page update skipped", "tab", int64(id), "err", err)
		}
	case pageDestroyed:
		id, ok := s.unbindTarget(ev.page.ID)
		if !ok {
			return
		}
		s.log.Trace("cdpsource page closed", "tab", int64(id))
		if err := s.model.Remove(ctx, []schema.TabID{id}); err != nil {
			s.log.Debug("cdpsource remove skipped", "tab", int64(id), "err", err)
		}
	}
}

func (s *Source) adoptExisting(ctx context.Context) error {
	pages, err := s.api.Pages(ctx)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	for _, page := range pages {
		if err := s.adopt(ctx, page); err != nil {
			return fmt.Errorf("adopt page %s: %w", page.ID, err)
		}
	}
	s.log.Debug("cdpsource adopted pages", "pages", len(pages))
	return nil
}

// adopt adds a page opened outside the source. A page with a known opener
// in the same window lands right after it.
func (s *Source) adopt(ctx context.Context, page pageInfo) error {
	bw, err := s.api.WindowOf(ctx, page.ID)
	if err != nil {
		return err
	}
	w, err := s.windowFor(ctx, bw)
	if err != nil {
		return err
	}
	opts := core.CreateOptions{WindowID: w, Index: schema.AppendIndex, URL: page.URL}
	if opener, ok := s.tabFor(page.Opener); ok {
		if parent, err := s.model.Get(ctx, opener); err == nil && parent.WindowID == w {
			opts.OpenerID = opener
			opts.Index = parent.Index + 1
		}
	}
	tab, err := s.model.Create(ctx, opts)
	if err != nil {
		return err
	}
	s.bind(page.ID, tab.ID)
	if page.Title != "" {
		_ = s.model.SetPage(tab.ID, "", page.Title, "")
	}
	s.log.Trace("cdpsource page adopted", "tab", int64(tab.ID), "window", int64(w))
	return nil
}

func (s *Source) windowFor(ctx context.Context, bw browser.WindowID) (schema.WindowID, error) {
	s.mu.Lock()
	w, ok := s.windows[bw]
	s.mu.Unlock()
	if ok && s.model.Order(w) != nil {
		return w, nil
	}
	win, err := s.model.CreateWindow(ctx, core.WindowOptions{})
	if err != nil {
		return schema.NoWindow, err
	}
	s.mu.Lock()
	s.windows[bw] = win.ID
	s.mu.Unlock()
	return win.ID, nil
}

func (s *Source) bind(tid target.ID, id schema.TabID) {
	s.mu.Lock()
	s.byTarget[tid] = id
	s.byTab[id] = tid
	s.mu.Unlock()
}

func (s *Source) tabFor(tid target.ID) (schema.TabID, bool) {
	if tid == "" {
		return schema.NoTab, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTarget[tid]
	return id, ok
}

func (s *Source) targetFor(id schema.TabID) (target.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid, ok := s.byTab[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", schema.ErrTabNotFound, id)
	}
	return tid, nil
}

func (s *Source) unbindTarget(tid target.ID) (schema.TabID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTarget[tid]
	if ok {
		delete(s.byTarget, tid)
		delete(s.byTab, id)
	}
	return id, ok
}

// Notifications streams strip changes.
func (s *Source) Notifications() <-chan schema.Notification {
	return s.model.Notifications()
}

// Close stops following the browser and shuts the connection down.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.api.Shutdown()
		s.model.Close()
	})
}

func (s *Source) Create(ctx context.Context, opts core.CreateOptions) (schema.Tab, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	tid, err := s.api.Open(ctx, opts.URL, false)
	if err != nil {
		return schema.Tab{}, fmt.Errorf("open page: %w", err)
	}
	tab, err := s.model.Create(ctx, opts)
	if err != nil {
		_ = s.api.Close(ctx, tid)
		return schema.Tab{}, err
	}
	s.bind(tid, tab.ID)
	_ = s.model.SetPage(tab.ID, "", "", schema.TabStatusLoading)
	if opts.Active {
		if err := s.api.Activate(ctx, tid); err != nil {
			s.log.Debug("cdpsource activate failed", "tab", int64(tab.ID), "err", err)
		}
	}
	return s.model.Get(ctx, tab.ID)
}

func (s *Source) Get(ctx context.Context, id schema.TabID) (schema.Tab, error) {
	return s.model.Get(ctx, id)
}

func (s *Source) Query(ctx context.Context, q core.TabQuery) ([]schema.Tab, error) {
	return s.model.Query(ctx, q)
}

// Move reorders the strip model.
func (s *Source) Move(ctx context.Context, ids []schema.TabID, opts core.MoveOptions) error {
	return s.model.Move(ctx, ids, opts)
}

func (s *Source) Update(ctx context.Context, id schema.TabID, patch core.TabPatch) (schema.Tab, error) {
	tid, err := s.targetFor(id)
	if err != nil {
		return schema.Tab{}, err
	}
	if patch.URL != nil {
		if err := s.api.Navigate(ctx, tid, *patch.URL); err != nil {
			return schema.Tab{}, fmt.Errorf("navigate tab %d: %w", id, err)
		}
	}
	if patch.Active != nil && *patch.Active {
		if err := s.api.Activate(ctx, tid); err != nil {
			return schema.Tab{}, fmt.Errorf("activate tab %d: %w", id, err)
		}
	}
	return s.model.Update(ctx, id, patch)
}

func (s *Source) Remove(ctx context.Context, ids []schema.TabID) error {
	for _, id := range ids {
		tid, err := s.targetFor(id)
		if err != nil {
			return err
		}
		s.unbindTarget(tid)
		if err := s.api.Close(ctx, tid); err != nil {
			s.bind(tid, id)
			return fmt.Errorf("close tab %d: %w", id, err)
		}
	}
	return s.model.Remove(ctx, ids)
}

func (s *Source) Duplicate(ctx context.Context, id schema.TabID, opts core.DuplicateOptions) (schema.Tab, error) {
	orig, err := s.model.Get(ctx, id)
	if err != nil {
		return schema.Tab{}, err
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	tid, err := s.api.Open(ctx, orig.URL, false)
	if err != nil {
		return schema.Tab{}, fmt.Errorf("open page: %w", err)
	}
	dup, err := s.model.Duplicate(ctx, id, opts)
	if err != nil {
		_ = s.api.Close(ctx, tid)
		return schema.Tab{}, err
	}
	s.bind(tid, dup.ID)
	return dup, nil
}

func (s *Source) Highlight(ctx context.Context, window schema.WindowID, indices []int) error {
	return s.model.Highlight(ctx, window, indices)
}

// CreateWindow opens a browser window. The window starts with one page.
func (s *Source) CreateWindow(ctx context.Context, opts core.WindowOptions) (schema.Window, error) {
	url := opts.URL
	if url == "" {
		url = "about:blank"
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	tid, err := s.api.Open(ctx, url, true)
	if err != nil {
		return schema.Window{}, fmt.Errorf("open window: %w", err)
	}
	bw, err := s.api.WindowOf(ctx, tid)
	if err != nil {
		_ = s.api.Close(ctx, tid)
		return schema.Window{}, fmt.Errorf("locate window: %w", err)
	}
	opts.URL = url
	w, err := s.model.CreateWindow(ctx, opts)
	if err != nil {
		_ = s.api.Close(ctx, tid)
		return schema.Window{}, err
	}
	if order := s.model.Order(w.ID); len(order) > 0 {
		s.bind(tid, order[0])
	}
	s.mu.Lock()
	s.windows[bw] = w.ID
	s.mu.Unlock()
	s.log.Debug("cdpsource window opened", "window", int64(w.ID), "browser_window", int64(bw))
	return w, nil
}

func (s *Source) CurrentWindow(ctx context.Context) (schema.Window, error) {
	return s.model.CurrentWindow(ctx)
}

package cdpsource

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
)

// pageKind is the CDP target type of a browser tab.
const pageKind = "page"

type pageEventKind int

const (
	pageCreated pageEventKind = iota
	pageChanged
	pageDestroyed
)

type pageEvent struct {
	kind pageEventKind
	page pageInfo
}

type pageInfo struct {
	ID     target.ID
	URL    string
	Title  string
	Opener target.ID
}

// browserAPI is the subset of the DevTools protocol the source drives.
type browserAPI interface {
	Pages(ctx context.Context) ([]pageInfo, error)
	WindowOf(ctx context.Context, id target.ID) (browser.WindowID, error)
	Open(ctx context.Context, url string, newWindow bool) (target.ID, error)
	Close(ctx context.Context, id target.ID) error
	Activate(ctx context.Context, id target.ID) error
	Navigate(ctx context.Context, id target.ID, url string) error
	Events() <-chan pageEvent
	Shutdown()
}

type cdpBrowser struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    pslog.Logger
	events chan pageEvent

	mu    sync.Mutex
	pages map[target.ID]context.CancelFunc
	tctx  map[target.ID]context.Context
}

// dial connects to a running browser at opts.URL or launches one.
func dial(ctx context.Context, opts Options, log pslog.Logger) (*cdpBrowser, error) {
	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
	)
	if opts.URL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, opts.URL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", opts.Headless),
		)
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, allocOpts...)
	}
	cctx, cancelCtx := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		log.Debug("cdp browser log", "msg", format, "args", args)
	}))
	b := &cdpBrowser{
		ctx: cctx,
		cancel: func() {
			cancelCtx()
			cancelAlloc()
		},
		log:    log,
		events: make(chan pageEvent, opts.Buffer),
		pages:  make(map[target.ID]context.CancelFunc),
		tctx:   make(map[target.ID]context.Context),
	}
	chromedp.ListenBrowser(cctx, b.onEvent)
	if err := chromedp.Run(cctx); err != nil {
		b.cancel()
		return nil, err
	}
	if err := target.SetDiscoverTargets(true).Do(b.exec(ctx)); err != nil {
		b.cancel()
		return nil, err
	}
	return b, nil
}

// exec binds ctx to the browser-level executor.
func (b *cdpBrowser) exec(ctx context.Context) context.Context {
	c := chromedp.FromContext(b.ctx)
	return cdp.WithExecutor(ctx, c.Browser)
}

func (b *cdpBrowser) onEvent(ev any) {
	var out pageEvent
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		if ev.TargetInfo == nil || ev.TargetInfo.Type != pageKind {
			return
		}
		out = pageEvent{kind: pageCreated, page: toPage(ev.TargetInfo)}
	case *target.EventTargetInfoChanged:
		if ev.TargetInfo == nil || ev.TargetInfo.Type != pageKind {
			return
		}
		out = pageEvent{kind: pageChanged, page: toPage(ev.TargetInfo)}
	case *target.EventTargetDestroyed:
		out = pageEvent{kind: pageDestroyed, page: pageInfo{ID: ev.TargetID}}
	default:
		return
	}
	// listeners run on the browser's event loop and must not block
	select {
	case b.events <- out:
	default:
		b.log.Warn("cdp browser event dropped", "target", string(out.page.ID))
	}
}

func toPage(info *target.Info) pageInfo {
	return pageInfo{ID: info.TargetID, URL: info.URL, Title: info.Title, Opener: info.OpenerID}
}

func (b *cdpBrowser) Events() <-chan pageEvent { return b.events }

func (b *cdpBrowser) Pages(ctx context.Context) ([]pageInfo, error) {
	infos, err := target.GetTargets().Do(b.exec(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]pageInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type == pageKind {
			out = append(out, toPage(info))
		}
	}
	return out, nil
}

func (b *cdpBrowser) WindowOf(ctx context.Context, id target.ID) (browser.WindowID, error) {
	w, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(b.exec(ctx))
	return w, err
}

func (b *cdpBrowser) Open(ctx context.Context, url string, newWindow bool) (target.ID, error) {
	if url == "" {
		url = "about:blank"
	}
	return target.CreateTarget(url).WithNewWindow(newWindow).Do(b.exec(ctx))
}

func (b *cdpBrowser) Close(ctx context.Context, id target.ID) error {
	b.mu.Lock()
	cancel, attached := b.pages[id]
	delete(b.pages, id)
	delete(b.tctx, id)
	b.mu.Unlock()
	if attached {
		// cancelling an attached chromedp context closes its page
		cancel()
		return nil
	}
	return target.CloseTarget(id).Do(b.exec(ctx))
}

func (b *cdpBrowser) Activate(ctx context.Context, id target.ID) error {
	return target.ActivateTarget(id).Do(b.exec(ctx))
}

func (b *cdpBrowser) Navigate(ctx context.Context, id target.ID, url string) error {
	tctx := b.attach(id)
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tctx, chromedp.Navigate(url)) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// attach returns a chromedp context bound to id. The context lives until
// the page is closed.
func (b *cdpBrowser) attach(id target.ID) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx, ok := b.tctx[id]; ok {
		return ctx
	}
	ctx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(id))
	b.tctx[id] = ctx
	b.pages[id] = cancel
	return ctx
}

func (b *cdpBrowser) Shutdown() {
	b.cancel()
}

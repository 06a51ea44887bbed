package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/internal/persist"
	"pkt.systems/tabtree/schema"
)

// syncParallelism bounds concurrent window fetches during Sync.
const syncParallelism = 4

// engine implements Service over one tab source.
type engine struct {
	cfg     schema.ServiceConfig
	source  TabSource
	windows WindowService
	sink    EventSink
	store   *persist.Store
	logger  pslog.Logger
	reg     *registry
	txns    *txnLog

	limboMu sync.Mutex
	limbo   map[schema.TabID]schema.Tab
}

// NewService constructs the tree engine.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	return newEngine(cfg, deps)
}

func newEngine(cfg schema.ServiceConfig, deps ServiceDeps) (*engine, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Source == nil {
		return nil, errors.New("tab source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	store := deps.Store
	if store == nil && cfg.PersistShapes {
		store, err = persist.NewStoreWithLogger(cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
	}
	return &engine{
		cfg:     cfg,
		source:  deps.Source,
		windows: deps.Windows,
		sink:    deps.EventSink,
		store:   store,
		logger:  logger,
		reg:     newRegistry(),
		txns:    newTxnLog(logger),
		limbo:   make(map[schema.TabID]schema.Tab),
	}, nil
}

// published is what a locked section hands to publish once the view lock is released.
type published struct {
	event  schema.TreeEvent
	shape  schema.ShapeSnapshot
	save   bool
	broken bool
}

// commitLocked verifies t and captures the event for renderers.
func (e *engine) commitLocked(t *tree, typ schema.TreeEventType) published {
	if e.cfg.CheckInvariants {
		if err := t.checkInvariants(); err != nil {
			e.logger.Error("tree invariant broken", "window", t.window, "err", err)
			return published{event: schema.TreeEvent{WindowID: t.window}, broken: true}
		}
	}
	p := published{event: schema.TreeEvent{Type: typ, WindowID: t.window, Snapshot: t.snapshot()}}
	if e.store != nil && e.cfg.PersistShapes && typ != schema.TreeEventActive {
		p.shape = shapeOf(t)
		p.save = true
	}
	return p
}

func (e *engine) publish(ctx context.Context, p published) {
	if p.broken {
		if _, err := e.reconcileWindow(ctx, p.event.WindowID); err != nil {
			logx.WithWindow(ctx, p.event.WindowID).Warn("engine self-heal failed", "err", err)
		}
		return
	}
	if e.sink != nil {
		e.sink.OnTreeEvent(p.event)
	}
	if p.save {
		if err := e.store.Save(p.event.WindowID, p.shape); err != nil {
			logx.WithWindow(ctx, p.event.WindowID).Warn("engine shape persist failed", "err", err)
		}
	}
}

// withView runs fn under the window's lock and publishes the change fn reports.
// An empty event type means nothing changed.
func (e *engine) withView(ctx context.Context, window schema.WindowID, create bool, fn func(t *tree) (schema.TreeEventType, error)) error {
	var v *view
	if create {
		var created bool
		v, created = e.reg.getOrCreate(window)
		if created {
			logx.WithWindow(ctx, window).Debug("engine window view created")
		}
	} else {
		var ok bool
		v, ok = e.reg.get(window)
		if !ok {
			return fmt.Errorf("%w: %d", schema.ErrWindowNotFound, window)
		}
	}
	v.mu.Lock()
	typ, err := fn(v.tree)
	var p published
	if err == nil && typ != "" {
		p = e.commitLocked(v.tree, typ)
	}
	v.mu.Unlock()
	if err == nil && typ != "" {
		e.publish(ctx, p)
	}
	return err
}

func (e *engine) putLimbo(tab schema.Tab) {
	e.limboMu.Lock()
	e.limbo[tab.ID] = tab
	e.limboMu.Unlock()
}

func (e *engine) takeLimbo(id schema.TabID) (schema.Tab, bool) {
	e.limboMu.Lock()
	defer e.limboMu.Unlock()
	tab, ok := e.limbo[id]
	if ok {
		delete(e.limbo, id)
	}
	return tab, ok
}

func (e *engine) ListWindows(ctx context.Context, req schema.ListWindowsRequest) (schema.ListWindowsResponse, error) {
	return schema.ListWindowsResponse{Windows: e.reg.windows()}, nil
}

func (e *engine) Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error) {
	v, ok := e.reg.get(req.WindowID)
	if !ok {
		return schema.SnapshotResponse{}, fmt.Errorf("%w: %d", schema.ErrWindowNotFound, req.WindowID)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return schema.SnapshotResponse{Window: v.tree.snapshot()}, nil
}

func (e *engine) Reconcile(ctx context.Context, req schema.ReconcileRequest) (schema.ReconcileResponse, error) {
	if req.WindowID == schema.NoWindow {
		return schema.ReconcileResponse{}, fmt.Errorf("%w: missing window", schema.ErrInvalidRequest)
	}
	snap, err := e.reconcileWindow(ctx, req.WindowID)
	if err != nil {
		return schema.ReconcileResponse{}, err
	}
	return schema.ReconcileResponse{Window: snap}, nil
}

// reconcileWindow refetches the window's tabs and rebuilds its tree, keeping
// grouping for runs of tabs that are still contiguous.
func (e *engine) reconcileWindow(ctx context.Context, window schema.WindowID) (schema.WindowSnapshot, error) {
	log := logx.WithWindow(ctx, window)
	log.Debug("engine reconcile start")
	tabs, err := e.source.Query(ctx, TabQuery{WindowID: window})
	if err != nil {
		log.Warn("engine reconcile failed", "err", err)
		return schema.WindowSnapshot{}, fmt.Errorf("%w: query window %d: %v", schema.ErrRequestFailed, window, err)
	}
	if len(tabs) == 0 {
		if e.reg.forget(window) {
			e.publish(ctx, published{event: schema.TreeEvent{Type: schema.TreeEventClosed, WindowID: window, Snapshot: schema.WindowSnapshot{WindowID: window}}})
		}
		log.Debug("engine reconcile ok", "tabs", 0)
		return schema.WindowSnapshot{WindowID: window}, nil
	}
	var snap schema.WindowSnapshot
	err = e.withView(ctx, window, true, func(t *tree) (schema.TreeEventType, error) {
		members, collapsed := t.groupMembership()
		t.rebuild(tabs, members, collapsed)
		snap = t.snapshot()
		return schema.TreeEventReconciled, nil
	})
	if err != nil {
		return schema.WindowSnapshot{}, err
	}
	log.Debug("engine reconcile ok", "tabs", len(tabs))
	return snap, nil
}

// rollback discards the optimistic edits of tx by reconciling each touched window.
func (e *engine) rollback(ctx context.Context, tx *txn, cause error) {
	e.txns.abort(tx)
	for _, w := range tx.windows {
		if w == schema.NoWindow {
			continue
		}
		logx.WithWindow(ctx, w).Warn("engine request failed", "txn", tx.id, "kind", tx.kind, "err", cause)
		if _, err := e.reconcileWindow(ctx, w); err != nil {
			logx.WithWindow(ctx, w).Error("engine rollback failed", "txn", tx.id, "err", err)
		}
	}
}

func (e *engine) Sync(ctx context.Context) error {
	tabs, err := e.source.Query(ctx, TabQuery{})
	if err != nil {
		e.logger.Warn("engine sync failed", "err", err)
		return fmt.Errorf("%w: query all tabs: %v", schema.ErrRequestFailed, err)
	}
	seen := make(map[schema.WindowID]struct{})
	var windows []schema.WindowID
	for _, tab := range tabs {
		if _, ok := seen[tab.WindowID]; ok {
			continue
		}
		seen[tab.WindowID] = struct{}{}
		windows = append(windows, tab.WindowID)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncParallelism)
	for _, w := range windows {
		g.Go(func() error {
			shape, saved := e.loadSaved(w)
			if _, err := e.reconcileWindow(gctx, w); err != nil {
				return err
			}
			if saved {
				e.restoreSaved(gctx, shape)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("engine sync ok", "windows", len(windows), "tabs", len(tabs))
	return nil
}

// loadSaved reads the stored shape of window before a rebuild overwrites it.
func (e *engine) loadSaved(window schema.WindowID) (schema.ShapeSnapshot, bool) {
	if e.store == nil || !e.cfg.PersistShapes {
		return schema.ShapeSnapshot{}, false
	}
	shape, ok, err := e.store.Load(window)
	if err != nil || !ok {
		return schema.ShapeSnapshot{}, false
	}
	return shape, true
}

func (e *engine) restoreSaved(ctx context.Context, shape schema.ShapeSnapshot) {
	if _, err := e.RestoreShape(ctx, schema.RestoreShapeRequest{Shape: shape}); err != nil {
		logx.WithWindow(ctx, shape.WindowID).Debug("engine shape restore skipped", "err", err)
	}
}

func (e *engine) Run(ctx context.Context, src NotificationSource) error {
	ch := src.Notifications()
	if ch == nil {
		return errors.New("notification source has no stream")
	}
	e.logger.Debug("engine notification loop start")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				e.logger.Debug("engine notification loop closed")
				return nil
			}
			_ = e.Apply(ctx, n)
		}
	}
}

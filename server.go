package tabtree

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/httpapi"
	"pkt.systems/tabtree/internal/eventbus"
	"pkt.systems/tabtree/schema"
)

// Server composes the tree engine, its notification pump and the HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Service returns the engine behind the server.
	Service() core.Service
	// Subscribe streams tree events of window, or of every window for eventbus.AllWindows.
	Subscribe(window schema.WindowID) (<-chan schema.TreeEvent, func())
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	HTTP    httpapi.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Source        core.TabSource
	Windows       core.WindowService
	Notifications core.NotificationSource
	EventSink     core.EventSink
	Logger        pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	skipSync   bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithoutSync skips the initial rebuild of every window on Start.
func WithoutSync() ServerOption {
	return func(o *serverOptions) { o.skipSync = true }
}

// New constructs a composable tabtree server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Source == nil {
		return nil, errors.New("tab source dependency is required")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	bus := eventbus.New(deps.Logger)
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.StreamHistory)
	}
	sinks := make([]core.EventSink, 0, 3)
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	sinks = append(sinks, bus)

	service, err := core.NewService(cfg.Service, core.ServiceDeps{
		Source:    deps.Source,
		Windows:   deps.Windows,
		EventSink: eventFanout{sinks: sinks},
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, service, hub)
	}
	return &compositeServer{
		cfg:     cfg,
		options: options,
		service: service,
		notify:  deps.Notifications,
		bus:     bus,
		httpSrv: httpSrv,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	service core.Service
	notify  core.NotificationSource
	bus     *eventbus.Bus
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

func (s *compositeServer) Service() core.Service {
	return s.service
}

func (s *compositeServer) Subscribe(window schema.WindowID) (<-chan schema.TreeEvent, func()) {
	return s.bus.Subscribe(window)
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	log := s.logger
	log.Info("server start", "http", s.options.enableHTTP, "http_addr", s.cfg.HTTP.Addr, "sync", !s.options.skipSync)
	if !s.options.skipSync {
		if err := s.service.Sync(s.ctx); err != nil {
			log.Error("server sync failed", "err", err)
			s.cancel()
			close(s.done)
			return err
		}
	}

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if s.notify != nil {
		g.Go(func() error {
			err := s.service.Run(gctx, s.notify)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("notification pump failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		s.httpSrv.SetBaseContext(s.ctx)
		g.Go(func() error {
			if err := httpapi.ListenAndServe(gctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				return err
			}
			return nil
		})
	}
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-done
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		pslog.Ctx(s.ctx).Error("server stopped", "err", err)
		return err
	}
	return nil
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	done := s.done
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}

package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/schema"
)

// AllWindows subscribes to events of every window.
const AllWindows = schema.NoWindow

// Bus fanouts tree events to per-window subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.WindowID]map[chan schema.TreeEvent]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.WindowID]map[chan schema.TreeEvent]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the window and returns a channel + cancel.
// AllWindows receives every event.
func (b *Bus) Subscribe(window schema.WindowID) (<-chan schema.TreeEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.TreeEvent, b.depth)
	b.mu.Lock()
	windowSubs := b.subs[window]
	if windowSubs == nil {
		windowSubs = make(map[chan schema.TreeEvent]struct{})
		b.subs[window] = windowSubs
	}
	windowSubs[ch] = struct{}{}
	count := len(windowSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("window", int64(window)).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[window]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, window)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("window", int64(window)).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnTreeEvent publishes a tree event.
func (b *Bus) OnTreeEvent(event schema.TreeEvent) {
	b.publish(event)
}

func (b *Bus) publish(event schema.TreeEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	windowSubs := b.subs[event.WindowID]
	allSubs := b.subs[AllWindows]
	subs := make([]chan schema.TreeEvent, 0, len(windowSubs)+len(allSubs))
	for sub := range windowSubs {
		subs = append(subs, sub)
	}
	if event.WindowID != AllWindows {
		for sub := range allSubs {
			subs = append(subs, sub)
		}
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.With("window", int64(event.WindowID)).Trace("eventbus dropped", "count", dropped)
	}
}

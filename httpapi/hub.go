package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	WindowID  schema.WindowID        `json:"window_id"`
	Snapshot  *schema.WindowSnapshot `json:"snapshot,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub broadcasts tree events per window and keeps a bounded replay history.
type Hub struct {
	mu          sync.Mutex
	windows     map[schema.WindowID]*windowHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 64
	}
	return &Hub{
		windows:     make(map[schema.WindowID]*windowHub),
		historySize: historySize,
	}
}

// OnTreeEvent implements core.EventSink.
func (h *Hub) OnTreeEvent(event schema.TreeEvent) {
	log := logx.WithWindow(context.Background(), event.WindowID)
	log.Trace("hub tree event", "type", event.Type)
	snap := event.Snapshot
	h.publish(event.WindowID, StreamEvent{
		Type:      string(event.Type),
		WindowID:  event.WindowID,
		Snapshot:  &snap,
		Timestamp: time.Now(),
	})
}

// Subscribe registers a subscriber for a window.
func (h *Hub) Subscribe(window schema.WindowID) (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.getOrCreateWindowHubLocked(window)
	ch := make(chan StreamEvent, 256)
	wh.subs[ch] = struct{}{}
	seq := wh.seq
	log := logx.WithWindow(context.Background(), window)
	log.Debug("hub subscribe", "subs", len(wh.subs), "seq", seq)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(wh.subs, ch)
			close(ch)
			remaining := len(wh.subs)
			h.mu.Unlock()
			log.Debug("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns events of window with seq in (after, upto].
func (h *Hub) Replay(window schema.WindowID, after, upto uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.windows[window]
	if wh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(wh.history))
	for _, event := range wh.history {
		if event.Seq > after && event.Seq <= upto {
			events = append(events, event)
		}
	}
	logx.WithWindow(context.Background(), window).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// Seq reports the last sequence number published for window.
func (h *Hub) Seq(window schema.WindowID) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if wh := h.windows[window]; wh != nil {
		return wh.seq
	}
	return 0
}

func (h *Hub) publish(window schema.WindowID, event StreamEvent) {
	h.mu.Lock()
	wh := h.getOrCreateWindowHubLocked(window)
	wh.seq++
	event.Seq = wh.seq
	wh.history = append(wh.history, event)
	if len(wh.history) > h.historySize {
		wh.history = wh.history[len(wh.history)-h.historySize:]
	}
	dropped := 0
	for sub := range wh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		logx.WithWindow(context.Background(), window).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateWindowHubLocked(window schema.WindowID) *windowHub {
	wh := h.windows[window]
	if wh == nil {
		wh = &windowHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.windows[window] = wh
	}
	return wh
}

type windowHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}

package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/livemd/livemd/internal/protocol"
)

// subscriberQueueSize bounds each subscriber's event queue. A subscriber
// whose queue is full has events dropped rather than stalling the publisher;
// it resynchronizes from the session snapshot.
const subscriberQueueSize = 256

// hub fans session events out to subscribers. Each session owns exactly one
// hub for its whole lifetime.
type hub struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]chan protocol.ServerEvent
	closed      bool
}

func newHub() *hub {
	return &hub{subscribers: make(map[uuid.UUID]chan protocol.ServerEvent)}
}

// subscribe registers a new subscriber and returns its id and event channel.
// The channel is closed when the subscriber unsubscribes or the hub closes.
func (h *hub) subscribe() (uuid.UUID, <-chan protocol.ServerEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return uuid.Nil, nil, false
	}

	id := uuid.New()
	ch := make(chan protocol.ServerEvent, subscriberQueueSize)
	h.subscribers[id] = ch
	return id, ch, true
}

// unsubscribe removes a subscriber and closes its channel. Idempotent; a
// departing subscriber never affects the others.
func (h *hub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// publish delivers an event to every subscriber without ever blocking the
// caller: a full queue drops the event for that subscriber only. Zero
// subscribers is a no-op. Per-subscriber FIFO order is preserved because all
// publishes for a session are serialized by the store's critical sections.
func (h *hub) publish(event protocol.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Lagging subscriber; it re-reads the snapshot to catch up.
		}
	}
}

// close ends all subscriptions. Events already queued (including the
// terminal SessionEnd) remain readable until each channel drains.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

// subscriberCount reports the current number of subscribers.
func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

package dispatch

import (
	"sync"
	"time"
)

// Event is a status change of one execution, fanned out to live subscribers.
type Event struct {
	ExecutionID   string    `json:"execution_id"`
	AgentID       string    `json:"agent_id"`
	CallerID      string    `json:"caller_id"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode,omitempty"`
	Message       string    `json:"message,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	buffer int
}

type subscription struct {
	ch       chan Event
	callerID string // Empty = receives every caller's events.
}

// NewHub creates an event hub. buffer is the per-subscriber channel size (0 = 32).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		subs:   make(map[uint64]*subscription),
		buffer: buffer,
	}
}

// Subscribe returns a channel of events for callerID (empty = all callers)
// and a cancel function that closes it.
func (h *Hub) Subscribe(callerID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscription{ch: make(chan Event, h.buffer), callerID: callerID}
	h.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers e to every matching subscriber.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.callerID != "" && sub.callerID != e.CallerID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

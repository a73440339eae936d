package events

import (
	"log/slog"
	"sync"
)

// Hub fans events out to observers and channel subscribers. Delivery is best
// effort: a panicking observer is skipped and a full subscriber channel drops
// the event. Consumers that miss events recover by listing current state.
type Hub struct {
	mu          sync.RWMutex
	observers   []Observer
	subscribers map[int]chan Event
	nextID      int
	dropped     map[int]uint64
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int]chan Event),
		dropped:     make(map[int]uint64),
	}
}

func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

// Subscribe returns a buffered channel of events and a cancel function that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			delete(h.dropped, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	observers := make([]Observer, len(h.observers))
	copy(observers, h.observers)
	h.mu.RUnlock()

	for _, o := range observers {
		notify(o, e)
	}

	h.mu.Lock()
	for id, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			h.dropped[id]++
			if h.dropped[id]%100 == 1 {
				slog.Warn("Event subscriber is slow, dropping events",
					"subscriber", id,
					"dropped", h.dropped[id])
			}
		}
	}
	h.mu.Unlock()
}

func notify(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event observer panicked", "kind", e.Kind, "panic", r)
		}
	}()
	o.Notify(e)
}

// Subscribers returns the number of open channel subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

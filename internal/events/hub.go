// Package events fans usage updates out to live observers.
package events

import (
	"context"
	"sync"
)

// EventName is the wire name observers subscribe to.
const EventName = "usage.update"

type UsageEvent struct {
	APIKey string `json:"key"`
	KeyID  string `json:"keyId"`
	Minute int64  `json:"minute"`
	Day    int64  `json:"day"`
}

// Message is the envelope written to streams and relay channels.
type Message struct {
	Event string     `json:"event"`
	Data  UsageEvent `json:"data"`
}

// Hub delivers events to in-process subscribers. Delivery is at most once:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan UsageEvent
	next   uint64
	buffer int

	// OnSubscribersChanged, when set, is called with the new subscriber count.
	OnSubscribersChanged func(n int)
	// OnDrop, when set, is called for every event a slow subscriber missed.
	OnDrop func()
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[uint64]chan UsageEvent), buffer: buffer}
}

func (h *Hub) Publish(_ context.Context, ev UsageEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
	return nil
}

// Subscribe registers a new observer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan UsageEvent, func()) {
	ch := make(chan UsageEvent, h.buffer)

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	h.notify(n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			n := len(h.subs)
			h.mu.Unlock()
			h.notify(n)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) notify(n int) {
	if h.OnSubscribersChanged != nil {
		h.OnSubscribersChanged(n)
	}
}

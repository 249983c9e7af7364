package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"

	"greenmove/core"
)

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	User  core.UserID
	Types []core.EventType
}

func (f Filter) match(ev core.Event) bool {
	if f.User != "" && f.User != ev.UserID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

type subscriber struct {
	ch     chan core.Event
	filter Filter
}

// Hub fans ledger events out to live subscribers, typically websocket
// sessions. Slow subscribers lose events instead of blocking the ledger.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	sent    atomic.Int64
	dropped atomic.Int64
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

// Subscribe registers a buffered receiver for one user's events. An empty
// user receives every event.
func (h *Hub) Subscribe(buffer int, user core.UserID) (int, <-chan core.Event) {
	return h.SubscribeFilter(buffer, Filter{User: user})
}

// SubscribeFilter registers a buffered receiver for events matching f.
func (h *Hub) SubscribeFilter(buffer int, f Filter) (int, <-chan core.Event) {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan core.Event, buffer)
	h.subs[h.next] = subscriber{ch: ch, filter: f}
	return h.next, ch
}

// Unsubscribe closes the receiver's channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Sent reports events handed to subscribers.
func (h *Hub) Sent() int64 { return h.sent.Load() }

// Dropped reports events discarded because a receiver was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Broadcast matches the event bus handler signature.
func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// MarshalJSON encodes an event for a websocket text frame.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}

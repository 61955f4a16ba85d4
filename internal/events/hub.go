// Package events is an in-memory fan-out for coordination activity. It backs
// the audit hub sink and the API's /events stream.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single published notification.
type Event struct {
	Seq  int64           `json:"seq"`
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub keeps the last few events in a ring and pushes new ones to subscribers.
// Slow subscribers drop events rather than block publishers.
type Hub struct {
	seq atomic.Int64

	mu     sync.Mutex
	recent []Event
	head   int
	count  int
	subs   map[int]chan Event
	nextID int
}

// NewHub creates a hub retaining up to keep recent events.
func NewHub(keep int) *Hub {
	if keep <= 0 {
		keep = 128
	}
	return &Hub{
		recent: make([]Event, keep),
		subs:   make(map[int]chan Event),
	}
}

// Publish stamps and delivers an event. data is marshalled to JSON; values
// that fail to marshal are published as {}.
func (h *Hub) Publish(kind string, data any) Event {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		Seq:  h.seq.Add(1),
		Kind: kind,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns retained events with Seq > after, oldest first.
func (h *Hub) Recent(after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.recent[(h.head+i)%len(h.recent)]
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	n := len(h.recent)
	if h.count < n {
		h.recent[(h.head+h.count)%n] = ev
		h.count++
		return
	}
	h.recent[h.head] = ev
	h.head = (h.head + 1) % n
}

// Package events is an in-memory pub/sub of delivery activity with a bounded
// backlog for clients that poll.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by herald.
const (
	NotifyStarted   = "notify.started"
	NotifyCompleted = "notify.completed"
	SessionUpdate   = "session.update"
)

// DefaultCapacity is the backlog size when NewHub is given none.
const DefaultCapacity = 256

type Event struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps the newest ones for Since.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event // ring, oldest at head
	head    int
	count   int

	subs    map[int]chan Event
	nextSub int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		backlog: make([]Event, capacity),
		subs:    make(map[int]chan Event),
	}
}

// Publish records an event for target. data is marshalled to JSON; values that
// cannot be marshalled are published as {}.
func (h *Hub) Publish(eventType, target string, data any) Event {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:     h.lastID,
		Type:   eventType,
		Target: target,
		At:     time.Now().UTC(),
		Data:   payload,
	}
	h.append(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events rather than stall publishers.
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 64)
	h.subs[id] = ch

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

// Since returns retained events with ID > after, oldest first.
func (h *Hub) Since(after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := range h.count {
		ev := h.backlog[(h.head+i)%len(h.backlog)]
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

// LastID returns the id of the newest published event.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

func (h *Hub) append(ev Event) {
	size := len(h.backlog)
	if h.count < size {
		h.backlog[(h.head+h.count)%size] = ev
		h.count++
		return
	}
	h.backlog[h.head] = ev
	h.head = (h.head + 1) % size
}

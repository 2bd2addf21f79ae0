// Package notify fans store-change notifications out to observers such as
// the SSE stream. Observers re-read the store that changed; a notification
// carries only what changed, not the new state.
package notify

import (
	"sync"
	"time"

	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Kind identifies which store changed.
type Kind string

const (
	KindMessages      Kind = "messages"
	KindConversations Kind = "conversations"
	KindPresence      Kind = "presence"
	KindTyping        Kind = "typing"
	KindConnection    Kind = "connection"
	KindSession       Kind = "session"
)

// Change is a single store-change notification.
type Change struct {
	Kind           Kind      `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// Hub delivers changes to every subscriber without blocking the publisher.
// A subscriber whose buffer is full misses the change; it can recover by
// re-reading the stores.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Change
	next   uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Change)}
}

// Subscribe registers an observer. The returned cancel function removes
// it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish sends c to all subscribers.
func (h *Hub) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
			metrics.NotificationsDropped.WithLabelValues(string(c.Kind)).Inc()
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

package worker

import (
	"sync"
	"time"
)

// Event types emitted by the sweep.
const (
	EventMessageSent       = "message_sent"
	EventSequenceCancelled = "sequence_cancelled"
	EventSequenceCompleted = "sequence_completed"
	EventEmailDispatched   = "email_dispatched"
)

// Event describes one state transition applied by the sweep. The websocket
// endpoint streams these to connected clients for live UI badges.
type Event struct {
	Type       string    `json:"type"`
	SequenceID uint      `json:"sequence_id,omitempty"`
	MessageID  uint      `json:"message_id,omitempty"`
	EmailID    uint      `json:"email_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// EventHub fans sweep events out to subscribers. Publishing never blocks;
// a subscriber that falls behind misses events rather than stalling the
// sweep.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a cancel func that must be
// called when the subscriber is done.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
// A nil hub is a no-op so workers can run without one in tests.
func (h *EventHub) Publish(e Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

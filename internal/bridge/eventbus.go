package bridge

import (
	"sync"
	"time"
)

// EventType classifies a bridge event for WebSocket clients.
type EventType string

const (
	EventDisplay    EventType = "display"
	EventAlerts     EventType = "alerts"
	EventConnection EventType = "connection"
	EventPush       EventType = "push"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one WebSocket connection.
type subscriber struct {
	ch chan Event
}

// EventBus fans bridge events out to all registered WebSocket clients.
// Channel-based subscribers keep the bus transport-agnostic and testable
// without a real WebSocket.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new client. Returns a receive channel and an
// unsubscribe function that must be called when the client disconnects
// (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers. Slow consumers are
// skipped (their buffer is full) to avoid stalling the tick loop; they can
// resynchronize from the snapshot endpoint.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// PublishDisplay is a convenience wrapper for EventDisplay events.
func (b *EventBus) PublishDisplay(data interface{}) {
	b.Publish(Event{Type: EventDisplay, Data: data})
}

// PublishAlerts is a convenience wrapper for EventAlerts events.
func (b *EventBus) PublishAlerts(data interface{}) {
	b.Publish(Event{Type: EventAlerts, Data: data})
}

// PublishConnection is a convenience wrapper for EventConnection events.
func (b *EventBus) PublishConnection(data interface{}) {
	b.Publish(Event{Type: EventConnection, Data: data})
}

// PublishPush is a convenience wrapper for EventPush events.
func (b *EventBus) PublishPush(data interface{}) {
	b.Publish(Event{Type: EventPush, Data: data})
}

// Len returns the current subscriber count (useful for metrics/tests).
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

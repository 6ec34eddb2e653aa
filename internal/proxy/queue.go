// Package proxy implements the peripheral-role mirror: it re-exposes the
// detector's characteristic layout so a companion client can attach as if
// it were talking to the detector directly, and forwards traffic both ways.
package proxy

import "github.com/ajmdroid/v1g2-simple-sub000/internal/radio"

// Item is one queued outbound notification.
type Item struct {
	Payload []byte
	Char    radio.Characteristic // mirrored target characteristic
}

// Queue is a fixed-capacity ring with a drop-oldest overflow policy. Alert
// traffic is perishable: when the companion cannot keep up, the most recent
// data wins over completeness. Owned by the Relay, tick context only.
type Queue struct {
	buf  []Item
	head int
	n    int
}

// NewQueue returns a ring holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]Item, capacity)}
}

// Push appends an item, discarding the oldest entry when full. It reports
// whether a drop occurred.
func (q *Queue) Push(it Item) (dropped bool) {
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = it
	q.n++
	return dropped
}

// Pop removes the oldest item.
func (q *Queue) Pop() (Item, bool) {
	if q.n == 0 {
		return Item{}, false
	}
	it := q.buf[q.head]
	q.buf[q.head] = Item{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return it, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return q.n }

// Cap returns the ring capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Metrics are the relay's monotonic counters. Process-wide lifetime; they
// reset only on explicit operator request.
type Metrics struct {
	Sent          uint64
	Errors        uint64
	Drops         uint64
	HighWaterMark uint64
}

// Package order tracks submitted orders to their terminal state and owns
// the live position lifecycle.
package order

import (
	"sync"
	"time"

	"github.com/sigscan/sigscan/core"
)

// EventKind labels order feed events
type EventKind string

// Event kinds
const (
	EventOrderSubmitted EventKind = "order_submitted"
	EventOrderFilled    EventKind = "order_filled"
	EventOrderFailed    EventKind = "order_failed"
	EventPositionOpened EventKind = "position_opened"
	EventPositionClosed EventKind = "position_closed"
)

// Event is one order lifecycle notification
type Event struct {
	Kind       EventKind
	Time       time.Time
	Coin       string
	OrderID    string
	PositionID string
	Position   *core.LivePosition
	Trade      *core.Trade
	Err        error
}

// Feed fans order events out to subscribers. Publishing never blocks; a
// slow subscriber misses events rather than stalling the order pipeline.
type Feed struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	nextID int64
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{subs: make(map[int64]chan Event)}
}

// Publish sends the event to every subscriber
func (f *Feed) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a buffered event channel and a function that
// unsubscribes and closes it
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(ch)
	}
}

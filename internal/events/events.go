// Package events is the outbound notification channel of a terminal.
//
// Producers publish without blocking. Consumers either subscribe to a
// buffered channel or poll the backlog. A subscriber that falls behind
// loses events; the loss is counted and reported by Dropped.
package events

import (
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// Kind identifies an event.
type Kind string

const (
	KindCycleStarted      Kind = "cycle_started"
	KindCycleFinished     Kind = "cycle_finished"
	KindOperationRejected Kind = "operation_rejected"
	KindConflictResolved  Kind = "conflict_resolved"
	KindManualReview      Kind = "manual_review"
	KindTransportFailure  Kind = "transport_failure"
)

// Event is one notification. Fields not relevant to Kind are zero.
type Event struct {
	Seq         int64 // Assigned by the bus, strictly increasing
	Kind        Kind
	At          time.Time
	OperationID string
	OpKind      ir.Kind
	Resolution  string
	Reason      string
	Error       string
}

// DefaultBacklog is the number of events kept for Poll.
const DefaultBacklog = 256

// Bus fans events out to subscribers and keeps a bounded backlog.
// Safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	seq     int64
	backlog []Event
	limit   int
	subs    map[int]chan Event
	nextSub int
	dropped int64
	closed  bool
	signal  chan struct{} // Buffered, size 1; coalesces wakeups
	now     func() time.Time
}

// NewBus creates a bus whose backlog holds up to backlog events.
// backlog <= 0 uses DefaultBacklog.
func NewBus(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[int]chan Event),
		signal:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Publish stamps ev with a sequence number and delivers it. Never blocks.
// Returns the stamped event. Publishing to a closed bus is a no-op.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	if len(b.backlog) == b.limit {
		// Drop the oldest. Clear the slot so the array does not pin it.
		b.backlog[0] = Event{}
		b.backlog = b.backlog[1:]
		b.dropped++
	}
	b.backlog = append(b.backlog, ev)

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return ev
}

// Subscribe returns a channel receiving every event published from now
// on, and a cancel func that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Poll removes and returns up to maxEvents events from the backlog, oldest
// first. maxEvents <= 0 drains everything.
func (b *Bus) Poll(maxEvents int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.backlog)
	if maxEvents > 0 && maxEvents < n {
		n = maxEvents
	}
	out := make([]Event, n)
	copy(out, b.backlog[:n])

	for i := 0; i < n; i++ {
		b.backlog[i] = Event{}
	}
	if n == len(b.backlog) {
		b.backlog = b.backlog[:0]
	} else {
		b.backlog = b.backlog[n:]
	}
	return out
}

// Wait returns a channel that signals when events may be available for
// Poll. It is closed when the bus closes.
func (b *Bus) Wait() <-chan struct{} {
	return b.signal
}

// Dropped returns how many deliveries were lost to full subscriber
// buffers or backlog overflow.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	close(b.signal)
}

package exchange

import (
	"sync"

	"github.com/roach88/sitenet/internal/ism"
)

// DefaultIntakeCapacity bounds the number of queued inbound messages.
const DefaultIntakeCapacity = 4096

// Delivery is one batch of regular messages received from a peer.
type Delivery struct {
	ExchangeID string
	From       string // remote address, for logs
	Messages   []*ism.Message
}

// Intake is the bounded FIFO between the exchange listener and the site
// engine. It counts messages, not batches, against its capacity; a batch
// that does not fit is refused whole so the sender retries it later.
//
// Offer is safe from any goroutine; the engine's Run loop is the only
// consumer. The signal channel lets the consumer wait with a select on its
// context.
type Intake struct {
	mu       sync.Mutex
	queue    []Delivery
	queued   int
	capacity int
	closed   bool
	signal   chan struct{} // buffered, size 1
}

// NewIntake returns an empty intake holding at most capacity messages.
func NewIntake(capacity int) *Intake {
	if capacity <= 0 {
		capacity = DefaultIntakeCapacity
	}
	return &Intake{
		queue:    make([]Delivery, 0, 16),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Offer adds d to the back of the queue.
func (q *Intake) Offer(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrIntakeClosed
	}
	if q.queued+len(d.Messages) > q.capacity && q.queued > 0 {
		return ErrIntakeFull
	}

	q.queue = append(q.queue, d)
	q.queued += len(d.Messages)

	// Buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// TryTake removes the front delivery without blocking.
func (q *Intake) TryTake() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return Delivery{}, false
	}
	d := q.queue[0]
	q.queue[0] = Delivery{}
	if len(q.queue) == 1 {
		q.queue = q.queue[:0]
	} else {
		q.queue = q.queue[1:]
	}
	q.queued -= len(d.Messages)
	return d, true
}

// Wait returns a channel that signals when deliveries may be available.
// It is closed by Close.
func (q *Intake) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *Intake) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// Close refuses further offers and wakes any waiter.
func (q *Intake) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

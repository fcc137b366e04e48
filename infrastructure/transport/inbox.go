package transport

import (
	"sync"

	"github.com/reglet-dev/mediahost/wireformat"
)

// inbox is an unbounded FIFO so Send never blocks on a slow receiver.
type inbox struct {
	wake   chan struct{}
	items  []*wireformat.Envelope
	mu     sync.Mutex
	closed bool
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (q *inbox) push(env *wireformat.Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.signal()
	return true
}

// close stops accepting items; already queued items are still handed out.
func (q *inbox) close(discard bool) {
	q.mu.Lock()
	q.closed = true
	if discard {
		q.items = nil
	}
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take blocks until items are available or the inbox is closed and drained.
// It returns false once nothing more will arrive.
func (q *inbox) take() ([]*wireformat.Envelope, bool) {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()
		if len(items) > 0 {
			return items, true
		}
		if closed {
			return nil, false
		}
		<-q.wake
	}
}

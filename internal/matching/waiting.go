// Package matching holds the coordinator-owned containers for users not in
// an active pair: the arrival-ordered waiting queue with its pair-selection
// algorithm, and the idle set. Neither container is goroutine-safe; the
// state coordinator is their sole owner.
package matching

import (
	"time"

	"github.com/oceanchat/session-server/internal/endpoint"
)

// waiter is one queue slot: the endpoint plus its arrival time.
type waiter struct {
	ep       *endpoint.Endpoint
	queuedAt time.Time
}

// WaitingQueue is the ordered multiset of users available for pairing.
// Ordering is by insertion time; the head is always the longest waiter.
type WaitingQueue struct {
	waiters []waiter
}

// NewWaitingQueue returns an empty queue.
func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{}
}

// Len returns the number of queued users, live or not.
func (q *WaitingQueue) Len() int {
	return len(q.waiters)
}

// Has reports whether id currently occupies a queue slot.
func (q *WaitingQueue) Has(id string) bool {
	for _, w := range q.waiters {
		if w.ep.ID() == id {
			return true
		}
	}
	return false
}

// Queue appends the user to the tail. The caller (the coordinator) is
// responsible for having evicted any same-id occupant first.
func (q *WaitingQueue) Queue(ep *endpoint.Endpoint) {
	q.waiters = append(q.waiters, waiter{ep: ep, queuedAt: time.Now()})
}

// Remove drops the given endpoint instance from the queue. It reports false
// when the queue holds no slot for that exact instance, so stale removals
// from an evicted endpoint never touch its replacement.
func (q *WaitingQueue) Remove(ep *endpoint.Endpoint) bool {
	for i, w := range q.waiters {
		if w.ep == ep {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Take removes and returns the user with the given id, or nil.
func (q *WaitingQueue) Take(id string) *endpoint.Endpoint {
	for i, w := range q.waiters {
		if w.ep.ID() == id {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return w.ep
		}
	}
	return nil
}

// QueuedAt returns the arrival time for id, if present.
func (q *WaitingQueue) QueuedAt(id string) (time.Time, bool) {
	for _, w := range q.waiters {
		if w.ep.ID() == id {
			return w.queuedAt, true
		}
	}
	return time.Time{}, false
}

// All returns the queued endpoints in arrival order.
func (q *WaitingQueue) All() []*endpoint.Endpoint {
	out := make([]*endpoint.Endpoint, len(q.waiters))
	for i, w := range q.waiters {
		out[i] = w.ep
	}
	return out
}

// PopPair removes and returns the next pair, or (nil, nil) when fewer than
// two live users are queued. The left of the pair is the longest waiter;
// the right is the remaining live user with the smallest Euclidean distance
// to left, ties broken by earlier arrival. Entries whose endpoint has
// already closed are discarded along the way. waited reports how long the
// left side sat in the queue.
func (q *WaitingQueue) PopPair() (left, right *endpoint.Endpoint, waited time.Duration) {
	q.compact()

	if len(q.waiters) < 2 {
		return nil, nil, 0
	}

	// Age priority: the head has waited the longest.
	left = q.waiters[0].ep
	waited = time.Since(q.waiters[0].queuedAt)
	q.waiters = q.waiters[1:]

	rightIndex := 0
	closest := left.Scores().Distance(q.waiters[0].ep.Scores())
	for i := 1; i < len(q.waiters); i++ {
		if d := left.Scores().Distance(q.waiters[i].ep.Scores()); d < closest {
			closest = d
			rightIndex = i
		}
	}

	right = q.waiters[rightIndex].ep
	q.waiters = append(q.waiters[:rightIndex], q.waiters[rightIndex+1:]...)
	return left, right, waited
}

// compact drops entries whose endpoint has closed. Their Remove events are
// either already processed or will find the id gone and no-op.
func (q *WaitingQueue) compact() {
	live := q.waiters[:0]
	for _, w := range q.waiters {
		if !w.ep.IsClosed() {
			live = append(live, w)
		}
	}
	q.waiters = live
}

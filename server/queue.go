package server

import (
	"context"
	"errors"
	"sync"

	"github.com/cmdchat/cmdchat-go/protocol"
)

var errQueueClosed = errors.New("send queue closed")

// sendQueue is the bounded outbound envelope queue of one session. The
// reader tasks of other sessions push into it; the owning writer task
// pops. On overflow the oldest non-system envelope is evicted to make
// room and the writer later injects a backpressure notice; if nothing is
// evictable the push fails and the session must be terminated.
type sendQueue struct {
	mu           sync.Mutex
	items        []*protocol.Envelope
	bound        int
	closed       bool
	backpressure bool
	dropped      int
	wake         chan struct{}
}

func newSendQueue(bound int) *sendQueue {
	return &sendQueue{bound: bound, wake: make(chan struct{}, 1)}
}

// Push enqueues env. ok is false only when the queue is full of
// undroppable envelopes; the caller terminates the session. evicted
// reports that an older envelope was dropped to make room. Pushing to a
// closed queue succeeds silently so broadcasters never need to care
// about races with session teardown.
func (q *sendQueue) Push(env *protocol.Envelope) (ok, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true, false
	}
	if len(q.items) >= q.bound {
		if !q.evictLocked() {
			return false, false
		}
		q.backpressure = true
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, env)
	q.signalLocked()
	return true, evicted
}

// evictLocked removes the oldest non-system envelope.
func (q *sendQueue) evictLocked() bool {
	for i, item := range q.items {
		if item.Type != protocol.TypeSystem {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Pop blocks until an envelope is available, the queue closes, or ctx is
// done. When a backpressure notice is pending and the queue has room it
// is delivered before queued envelopes.
func (q *sendQueue) Pop(ctx context.Context) (*protocol.Envelope, error) {
	for {
		q.mu.Lock()
		if q.backpressure && len(q.items) < q.bound {
			q.backpressure = false
			q.mu.Unlock()
			return &protocol.Envelope{Type: protocol.TypeSystem, Text: "backpressure: slow consumer, messages dropped"}, nil
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, errQueueClosed
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop returns the next envelope without blocking. Used by the drain
// path after the session context is canceled.
func (q *sendQueue) TryPop() (*protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

// Close rejects future pushes and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.signalLocked()
	q.mu.Unlock()
}

// Dropped reports how many envelopes overflow has evicted.
func (q *sendQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *sendQueue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

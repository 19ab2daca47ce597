// Package queue provides an unbounded FIFO channel. Producers never
// block; the consumer reads from a regular Go channel so it can select
// against tickers and cancellation.
package queue

import "sync"

// Queue is a multi-producer, single-consumer unbounded FIFO.
//
// Push appends without blocking. Out returns a channel fed by an
// internal pump goroutine; it is closed once Close has been called and
// every queued item has been delivered. Push after Close is a silent
// drop.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
	out    chan T
}

// New creates the queue and starts its pump goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

// Push enqueues v. It reports whether the item was accepted; false
// means the queue is closed and the item was dropped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out is the consumer side. Items arrive in Push order.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len reports the number of items not yet handed to the pump.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new items. Items already queued are still
// delivered, then Out is closed. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			q.out <- v
			continue
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			close(q.out)
			return
		}
		<-q.notify
	}
}

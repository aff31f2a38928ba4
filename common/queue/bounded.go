package queue

import (
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Bounded implements a thread-safe, bounded, first-in first-out queue.
//
// Producers hand work to a single consumer without sharing state: the
// scheduler's heartbeat goroutine enqueues commands here and only the
// scheduler's own loop dequeues them.
type Bounded[V any] struct {
	ch chan V
}

// NewBounded creates a new Bounded queue with the specified capacity.
func NewBounded[V any](capacity int) *Bounded[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded[V]{ch: make(chan V, capacity)}
}

// Enqueue adds the element to the queue, returning ErrQueueFull when the
// queue is at capacity.
func (q *Bounded[V]) Enqueue(elem V) error {
	select {
	case q.ch <- elem:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue removes and returns the next element, waiting up to the given
// duration for one to arrive. The second return value is false on timeout
// or when the queue has been closed and drained.
func (q *Bounded[V]) Dequeue(wait time.Duration) (V, bool) {
	var zero V
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case elem, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return elem, true
	case <-timer.C:
		return zero, false
	}
}

// TryDequeue removes and returns the next element without waiting.
func (q *Bounded[V]) TryDequeue() (V, bool) {
	var zero V
	select {
	case elem, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return elem, true
	default:
		return zero, false
	}
}

// Len returns the number of elements currently queued.
func (q *Bounded[V]) Len() int {
	return len(q.ch)
}

// Close closes the queue. Enqueue after Close panics; Dequeue drains the
// remaining elements and then reports false.
func (q *Bounded[V]) Close() {
	close(q.ch)
}

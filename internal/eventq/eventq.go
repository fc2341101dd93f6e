// Package eventq provides the bounded notification queue that decouples
// payload delivery from application callbacks.
//
// Producers enqueue with TrySend, which never blocks: the stream
// demultiplexer's delivery goroutine must not stall on a slow consumer. A full
// queue rejects the notification; the caller decides how loudly to complain.
package eventq

import "sync/atomic"

// Queue is a bounded FIFO of notification records with lock-free counters.
type Queue[T any] struct {
	ch      chan T
	metrics Metrics
}

// Metrics tracks queue activity. All fields are updated atomically.
type Metrics struct {
	Enqueued  int64 // accepted by TrySend
	Dropped   int64 // rejected by TrySend because the queue was full
	Processed int64 // handed out by Receive
}

// New creates a Queue with the given capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("eventq: capacity must be > 0")
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TrySend enqueues v without blocking. It reports false if the queue is full.
func (q *Queue[T]) TrySend(v T) bool {
	select {
	case q.ch <- v:
		atomic.AddInt64(&q.metrics.Enqueued, 1)
		return true
	default:
		atomic.AddInt64(&q.metrics.Dropped, 1)
		return false
	}
}

// Receive blocks until a record is available or the queue is closed.
// The ok result is false once the queue is closed and drained.
func (q *Queue[T]) Receive() (v T, ok bool) {
	v, ok = <-q.ch
	if ok {
		atomic.AddInt64(&q.metrics.Processed, 1)
	}
	return
}

// Len returns the number of queued records.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Close closes the queue. Pending records remain receivable; TrySend after
// Close panics, so producers must be stopped or fenced first.
func (q *Queue[T]) Close() {
	close(q.ch)
}

// GetMetrics returns a snapshot of the counters.
func (q *Queue[T]) GetMetrics() Metrics {
	return Metrics{
		Enqueued:  atomic.LoadInt64(&q.metrics.Enqueued),
		Dropped:   atomic.LoadInt64(&q.metrics.Dropped),
		Processed: atomic.LoadInt64(&q.metrics.Processed),
	}
}

// Package util
//
// This file provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free: producers append with atomic compare-and-swap, no mutex is taken on Push
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Batch Consumption: the single consumer takes everything queued so far with Drain
//   - Wakeup Signal: Notify returns a channel that receives a value after a Push,
//     so the consumer can sleep in a select next to a ticker
//   - No Strict FIFO Guarantee across producers: the order of concurrent pushes is
//     decided by which producer wins the append, items of one producer stay in order
//
// The birch engine uses the queue to hand the keys touched by each commit to its
// garbage collector without adding work to the commit critical section.
package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// MPSCQueue is a lock-free multi-producer single-consumer queue
// implemented as a linked list with a sentinel head.
type MPSCQueue[T any] struct {
	head   atomic.Pointer[node[T]] // consumer side, only touched by Drain
	tail   atomic.Pointer[node[T]] // producer side
	size   atomic.Int64
	notify chan struct{}
	closed atomic.Bool
}

// NewMPSCQueue creates an empty queue.
func NewMPSCQueue[T any]() *MPSCQueue[T] {
	sentinel := &node[T]{}

	q := &MPSCQueue[T]{
		notify: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Push appends an item to the queue.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSCQueue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8 = 0

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()

		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// a failed CAS here means another producer already moved the tail forward
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)

				select {
				case q.notify <- struct{}{}:
				default:
				}
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Drain removes all items that are currently linked into the queue and calls
// fn for each of them in queue order. It returns the number of items drained.
//
// Thread-safety: Only a single goroutine may call Drain.
func (q *MPSCQueue[T]) Drain(fn func(T)) int {
	var zero T
	n := 0

	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return n
		}

		value := next.value
		q.head.Store(next)
		next.value = zero // the node is the new sentinel, drop the reference for the go gc
		q.size.Add(-1)
		n++

		fn(value)
	}
}

// Notify returns a channel that receives a value after items were pushed.
// Several pushes may be coalesced into a single notification.
func (q *MPSCQueue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Close stops the queue from accepting new items.
// Items already queued can still be drained.
func (q *MPSCQueue[T]) Close() {
	q.closed.Store(true)
}

// Len returns the approximate number of queued items.
func (q *MPSCQueue[T]) Len() int {
	return int(q.size.Load())
}

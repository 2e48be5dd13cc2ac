// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue implementation.
//
// Features and Guarantees:
//
//   - Lock-Free Producers: Push only uses atomic operations, so committing writers never
//     block on the consumer (the garbage collector or the notification dispatcher)
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Single Consumer: exactly one goroutine consumes values via the Recv() channel
//   - Per-Producer Order: items pushed by one goroutine are delivered in push order.
//     Items of concurrent producers are ordered by whichever append succeeds first
//   - Graceful Close: items pushed before Close are still delivered, then Recv() is closed
package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue backed by a
// linked list. A forwarding goroutine moves items from the list to the Recv channel.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]] // sentinel, owned by the forwarder
	tail   atomic.Pointer[node[T]]
	out    chan *T
	wake   chan struct{} // capacity 1, a pending wake-up is never lost
	closed atomic.Bool
}

// NewLockFreeMPSC creates a new queue and starts its forwarding goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out:  make(chan *T),
		wake: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed or value is nil.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	for spins := 0; ; spins++ {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer appended but did not swing the tail yet
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.signal()
			return true
		}
		if spins > 4 {
			runtime.Gosched()
		}
	}
}

func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// forward moves items from the list to the output channel until the queue is
// closed and drained.
func (q *LockFreeMPSC[T]) forward() {
	defer close(q.out)

	for {
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			value := next.value
			next.value = nil
			q.head.Store(next)
			q.out <- value
		}

		if q.closed.Load() && q.head.Load().next.Load() == nil {
			return
		}
		<-q.wake
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// The channel is closed after Close once all pending items were received.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Any items already in the queue will still be delivered to the consumer.
func (q *LockFreeMPSC[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.signal()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the number of items waiting in the queue.
// This is O(n) and should only be used for debugging and statistics.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for current := q.head.Load().next.Load(); current != nil; current = current.next.Load() {
		count++
	}
	return count
}

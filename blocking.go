package dynpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// BlockingQueue wraps a BoundedQueue with blocking and timed variants of
// push and pop, a close latch, and a discard counter. The ring stays
// lock-free and is touched outside the mutex; the mutex only serializes
// the wait predicates and the wakeup signals, so a producer's notify is
// never reordered ahead of its push becoming visible.
type BlockingQueue[T any] struct {
	ring *BoundedQueue[T]

	mu       deadlock.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	pending  atomic.Int64
	discards atomic.Uint64
	closed   atomic.Bool
}

// NewBlockingQueue builds an adapter over a fresh ring of the given
// capacity (rounded up like NewBoundedQueue).
func NewBlockingQueue[T any](capacity int) *BlockingQueue[T] {
	q := &BlockingQueue[T]{
		ring: NewBoundedQueue[T](capacity),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// TryPush enqueues without blocking. A full queue increments the discard
// counter and returns false; a closed queue returns false untouched.
func (q *BlockingQueue[T]) TryPush(item T) bool {
	if q.closed.Load() {
		return false
	}
	if q.ring.TryPush(item) {
		q.pending.Add(1)
		q.signalNotEmpty()
		return true
	}
	q.discards.Add(1)
	return false
}

// TryPop dequeues without blocking.
func (q *BlockingQueue[T]) TryPop() (T, bool) {
	if item, ok := q.ring.TryPop(); ok {
		q.pending.Add(-1)
		q.signalNotFull()
		return item, true
	}
	var zero T
	return zero, false
}

// WaitPush blocks until the item is enqueued or the queue is closed.
// Returns false only on close.
func (q *BlockingQueue[T]) WaitPush(item T) bool {
	if q.closed.Load() {
		return false
	}
	if q.ring.TryPush(item) {
		q.pending.Add(1)
		q.signalNotEmpty()
		return true
	}
	q.mu.Lock()
	for {
		if q.closed.Load() {
			q.mu.Unlock()
			return false
		}
		if q.ring.TryPush(item) {
			q.pending.Add(1)
			q.notEmpty.Signal()
			q.mu.Unlock()
			return true
		}
		q.notFull.Wait()
	}
}

// WaitEmplace constructs the value at the producer side and enqueues it,
// blocking like WaitPush. Equivalent to WaitPush(construct()).
func (q *BlockingQueue[T]) WaitEmplace(construct func() T) bool {
	if q.closed.Load() {
		return false
	}
	return q.WaitPush(construct())
}

// WaitPop blocks until an item is available or the queue is closed and
// drained. After Close, remaining items are still delivered; false means
// closed-and-empty.
func (q *BlockingQueue[T]) WaitPop() (T, bool) {
	if item, ok := q.ring.TryPop(); ok {
		q.pending.Add(-1)
		q.signalNotFull()
		return item, true
	}
	q.mu.Lock()
	for {
		if item, ok := q.ring.TryPop(); ok {
			q.pending.Add(-1)
			q.notFull.Signal()
			q.mu.Unlock()
			return item, true
		}
		if q.closed.Load() {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		q.notEmpty.Wait()
	}
}

// WaitPushFor is WaitPush with a deadline. Returns false on timeout or
// close; a timeout increments the discard counter.
func (q *BlockingQueue[T]) WaitPushFor(item T, d time.Duration) bool {
	if q.closed.Load() {
		return false
	}
	if q.ring.TryPush(item) {
		q.pending.Add(1)
		q.signalNotEmpty()
		return true
	}
	deadline := time.Now().Add(d)
	q.mu.Lock()
	for {
		if q.closed.Load() {
			q.mu.Unlock()
			return false
		}
		if q.ring.TryPush(item) {
			q.pending.Add(1)
			q.notEmpty.Signal()
			q.mu.Unlock()
			return true
		}
		if !q.waitDeadline(q.notFull, deadline) {
			q.mu.Unlock()
			q.discards.Add(1)
			return false
		}
	}
}

// WaitPopFor is WaitPop with a deadline. Returns false on timeout or on
// closed-and-empty.
func (q *BlockingQueue[T]) WaitPopFor(d time.Duration) (T, bool) {
	if item, ok := q.ring.TryPop(); ok {
		q.pending.Add(-1)
		q.signalNotFull()
		return item, true
	}
	var zero T
	deadline := time.Now().Add(d)
	q.mu.Lock()
	for {
		if item, ok := q.ring.TryPop(); ok {
			q.pending.Add(-1)
			q.notFull.Signal()
			q.mu.Unlock()
			return item, true
		}
		if q.closed.Load() {
			q.mu.Unlock()
			return zero, false
		}
		if !q.waitDeadline(q.notEmpty, deadline) {
			q.mu.Unlock()
			return zero, false
		}
	}
}

// waitDeadline waits on cond until signalled or the deadline passes.
// Must be called with q.mu held; returns false when the deadline has
// passed. A timer broadcast stands in for the timed wait sync.Cond
// lacks.
func (q *BlockingQueue[T]) waitDeadline(cond *sync.Cond, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
	return true
}

// OverwritePush makes one displace-oldest-then-push attempt: when the
// plain push fails it pops the oldest item, reports it as displaced, and
// pushes again. pushed reports whether item made it into the queue.
func (q *BlockingQueue[T]) OverwritePush(item T) (displaced T, displacedOK bool, pushed bool) {
	var zero T
	if q.closed.Load() {
		return zero, false, false
	}
	if q.ring.TryPush(item) {
		q.pending.Add(1)
		q.signalNotEmpty()
		return zero, false, true
	}

	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		return zero, false, false
	}
	old, ok := q.ring.TryPop()
	if !ok {
		// A consumer raced us to the oldest slot; neither displaced
		// nor enqueued.
		q.mu.Unlock()
		return zero, false, false
	}
	q.pending.Add(-1)
	pushed = q.ring.TryPush(item)
	if pushed {
		q.pending.Add(1)
	}
	q.notEmpty.Signal()
	q.mu.Unlock()
	return old, true, pushed
}

// Close latches the queue shut and wakes every waiter. Idempotent.
// Producers fail from here on; consumers drain what remains.
func (q *BlockingQueue[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *BlockingQueue[T]) Closed() bool {
	return q.closed.Load()
}

// Clear drops every enqueued item. Safe to call while closed.
func (q *BlockingQueue[T]) Clear() {
	q.ClearFunc(nil)
}

// ClearFunc drops every enqueued item, handing each to visitor first.
func (q *BlockingQueue[T]) ClearFunc(visitor func(T)) {
	for {
		item, ok := q.ring.TryPop()
		if !ok {
			break
		}
		q.pending.Add(-1)
		if visitor != nil {
			visitor(item)
		}
	}
	q.mu.Lock()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// DiscardCount reports how many pushes failed on a full queue or timed
// out since the last reset.
func (q *BlockingQueue[T]) DiscardCount() uint64 {
	return q.discards.Load()
}

// ResetDiscardCounter zeroes the discard counter.
func (q *BlockingQueue[T]) ResetDiscardCounter() {
	q.discards.Store(0)
}

// Len reports the number of pending items. Approximate under
// concurrency.
func (q *BlockingQueue[T]) Len() int {
	n := q.pending.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap reports the ring capacity.
func (q *BlockingQueue[T]) Cap() int {
	return q.ring.Capacity()
}

func (q *BlockingQueue[T]) signalNotEmpty() {
	q.mu.Lock()
	q.notEmpty.Signal()
	q.mu.Unlock()
}

func (q *BlockingQueue[T]) signalNotFull() {
	q.mu.Lock()
	q.notFull.Signal()
	q.mu.Unlock()
}

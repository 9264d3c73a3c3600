package dynpool

import (
	"sync/atomic"
)

// cacheLinePad keeps the hot counters on separate cache lines.
type cacheLinePad struct {
	_ [64]byte
}

type ringSlot[T any] struct {
	seq atomic.Uint64
	val T
}

// BoundedQueue is a fixed-capacity multi-producer multi-consumer queue.
// Push and pop are lock-free and never block; a full queue fails the push
// and an empty queue fails the pop. Items come out in FIFO order across
// the queue as a whole.
//
// Each slot carries a sequence counter. A producer may write slot i when
// the sequence equals the ticket it claimed; publishing sets the sequence
// to ticket+1, and a consumer restores it to ticket+capacity after the
// read, which re-arms the slot for the next lap.
type BoundedQueue[T any] struct {
	capacity uint64
	mask     uint64
	buffer   []ringSlot[T]

	_    cacheLinePad
	head atomic.Uint64 // producer ticket counter
	_    cacheLinePad
	tail atomic.Uint64 // consumer ticket counter
}

// NewBoundedQueue builds a queue holding up to capacity items. The
// capacity is rounded up to a power of two, never below 2.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	adjusted := roundUpPowerOfTwo(capacity)
	q := &BoundedQueue[T]{
		capacity: uint64(adjusted),
		mask:     uint64(adjusted - 1),
		buffer:   make([]ringSlot[T], adjusted),
	}
	for i := range q.buffer {
		q.buffer[i].seq.Store(uint64(i))
	}
	return q
}

func roundUpPowerOfTwo(n int) int {
	if n < 2 {
		return 2
	}
	v := uint64(n - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return int(v + 1)
}

// TryPush enqueues item. It returns false, leaving item untouched, when
// the queue is full at the moment of the attempt.
func (q *BoundedQueue[T]) TryPush(item T) bool {
	pos := q.head.Load()
	for {
		cell := &q.buffer[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				cell.val = item
				cell.seq.Store(pos + 1)
				return true
			}
			pos = q.head.Load()
		case diff < 0:
			// The slot for this lap is still occupied: full.
			return false
		default:
			// Another producer claimed the ticket first.
			pos = q.head.Load()
		}
	}
}

// TryPop dequeues the oldest item. It returns false when the queue is
// empty at the moment of the attempt.
func (q *BoundedQueue[T]) TryPop() (T, bool) {
	var zero T
	pos := q.tail.Load()
	for {
		cell := &q.buffer[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				out := cell.val
				cell.val = zero
				cell.seq.Store(pos + q.capacity)
				return out, true
			}
			pos = q.tail.Load()
		case diff < 0:
			// The slot for this lap has not been published: empty.
			return zero, false
		default:
			pos = q.tail.Load()
		}
	}
}

// ApproxSize reports the number of enqueued items. The value may be stale
// under concurrency but always lies in [0, Capacity].
func (q *BoundedQueue[T]) ApproxSize() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if head < tail {
		return 0
	}
	size := head - tail
	if size > q.capacity {
		return int(q.capacity)
	}
	return int(size)
}

// Capacity reports the fixed capacity of the queue.
func (q *BoundedQueue[T]) Capacity() int {
	return int(q.capacity)
}

// Empty reports whether the queue appears empty.
func (q *BoundedQueue[T]) Empty() bool {
	return q.ApproxSize() == 0
}

// Full reports whether the queue appears full.
func (q *BoundedQueue[T]) Full() bool {
	return q.ApproxSize() >= int(q.capacity)
}

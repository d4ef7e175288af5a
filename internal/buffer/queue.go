package buffer

import (
	"context"
	"sync"
)

// Queue is a thread-safe ring buffer that grows at 70% occupancy up to a
// maximum capacity.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int
	tail     int
	count    int
	capacity int
	max      int
	closed   bool

	enqueued int64
	dequeued int64
	rejected int64
	resizes  int
}

// Stats is a point-in-time view of a Queue.
type Stats struct {
	Count    int
	Capacity int
	Max      int
	Enqueued int64
	Dequeued int64
	Rejected int64
	Resizes  int
}

// New creates a queue with the given initial capacity. A max of zero or less
// means the queue never refuses items.
func New[T any](initial, max int) *Queue[T] {
	if initial < 1 {
		initial = 1
	}
	if max > 0 && initial > max {
		initial = max
	}
	q := &Queue[T]{
		buf:      make([]T, initial),
		capacity: initial,
		max:      max,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. It returns false when the queue is closed or full.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.max > 0 && q.count >= q.max {
		q.rejected++
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold || q.count == q.capacity {
		q.grow()
	}
	if q.count == q.capacity {
		// grow was capped by max
		q.rejected++
		return false
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.enqueued++

	q.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking until one is available.
// It returns false once the queue is closed and empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// PopContext is Pop that also returns when ctx is done.
func (q *Queue[T]) PopContext(ctx context.Context) (T, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// WaitContext blocks until an item is queued without removing it. It
// returns false once the queue is empty and either closed or ctx is done.
func (q *Queue[T]) WaitContext(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	return q.count > 0
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Drain removes up to n items (all when n <= 0) without blocking.
func (q *Queue[T]) Drain(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	if n <= 0 || n > q.count {
		n = q.count
	}
	out := make([]T, n)
	for i := range out {
		out[i] = q.take()
	}
	return out
}

// Close stops accepting items and wakes blocked receivers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:    q.count,
		Capacity: q.capacity,
		Max:      q.max,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Rejected: q.rejected,
		Resizes:  q.resizes,
	}
}

// take pops the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) take() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.dequeued++
	return item
}

// grow doubles the ring, capped at max. Must be called with lock held.
func (q *Queue[T]) grow() {
	next := q.capacity * 2
	if q.max > 0 && next > q.max {
		next = q.max
	}
	if next <= q.capacity {
		return
	}

	buf := make([]T, next)
	if q.count > 0 {
		if q.head < q.tail {
			copy(buf, q.buf[q.head:q.tail])
		} else {
			n := copy(buf, q.buf[q.head:])
			copy(buf[n:], q.buf[:q.tail])
		}
	}

	q.buf = buf
	q.head = 0
	q.tail = q.count
	q.capacity = next
	q.resizes++
}

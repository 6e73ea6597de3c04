package handoff

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

// ErrClosed is returned by Push once the end-of-stream sentinel has been enqueued
var ErrClosed = errors.New("handoff queue closed")

// Queue moves items from one producer goroutine to one consumer goroutine in
// push order. Close enqueues the end-of-stream sentinel exactly once; Pop
// reports the sentinel with ok == false, and keeps doing so on every later call.
type Queue[T any] struct {
	mu       sync.Mutex
	items    deque.Deque[T]
	capacity int // 0 means unbounded
	closed   bool

	// notEmpty and notFull are replaced every time they are signalled so a
	// waiter can select on them together with its context.
	notEmpty chan struct{}
	notFull  chan struct{}

	pushed  uint64
	dropped uint64
}

// Stats reports queue counters for monitoring
type Stats struct {
	Pending int    `json:"pending"`
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
	Closed  bool   `json:"closed"`
}

// New creates a queue. A capacity of zero or less makes the queue unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Push appends item. On a bounded queue it waits for space or ctx.
// Items pushed after Close are discarded and ErrClosed is returned.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.dropped++
			q.mu.Unlock()
			return ErrClosed
		}

		if q.capacity == 0 || q.items.Len() < q.capacity {
			q.items.PushBack(item)
			q.pushed++
			q.signal(&q.notEmpty)
			q.mu.Unlock()
			return nil
		}

		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop returns the next item, waiting until one is available. ok is false when
// the sentinel is reached; the caller must stop popping at that point. A
// cancelled ctx returns its error with ok == false.
func (q *Queue[T]) Pop(ctx context.Context) (item T, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item = q.items.PopFront()
			q.signal(&q.notFull)
			q.mu.Unlock()
			return item, true, nil
		}

		if q.closed {
			q.mu.Unlock()
			return item, false, nil
		}

		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return item, false, ctx.Err()
		}
	}
}

// Close enqueues the sentinel after all items pushed so far. Subsequent
// calls are no-ops.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.signal(&q.notEmpty)
	q.signal(&q.notFull)
}

// Len returns the number of items waiting to be popped
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns a snapshot of the queue counters
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending: q.items.Len(),
		Pushed:  q.pushed,
		Dropped: q.dropped,
		Closed:  q.closed,
	}
}

// signal wakes every waiter on ch. Must be called with q.mu held.
func (q *Queue[T]) signal(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

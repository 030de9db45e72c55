// Package memoryqueue provides the in-process Queue used when the
// engine and its workers share one process. Pushes never block and the
// backlog is unbounded, so a single-threaded engine can dispatch
// without waiting on workers.
package memoryqueue

import (
	"context"
	"sync"

	"github.com/wireline/linerpc-go/queue"
)

// Queue is an unbounded in-memory mailbox.
type Queue struct {
	invocations fifo[queue.Invocation]
	completions fifo[queue.Completion]
}

var _ queue.Queue = (*Queue)(nil)

// New returns an empty queue ready for use.
func New() *Queue {
	q := &Queue{}
	q.invocations.init()
	q.completions.init()
	return q
}

func (q *Queue) PushInvocation(ctx context.Context, inv queue.Invocation) error {
	return q.invocations.push(inv)
}

func (q *Queue) PullInvocation(ctx context.Context) (queue.Invocation, error) {
	return q.invocations.pull(ctx)
}

func (q *Queue) PushCompletion(ctx context.Context, c queue.Completion) error {
	return q.completions.push(c)
}

func (q *Queue) PullCompletion(ctx context.Context) (queue.Completion, error) {
	return q.completions.pull(ctx)
}

// Close wakes all blocked pulls. Messages still queued are discarded.
func (q *Queue) Close() error {
	q.invocations.close()
	q.completions.close()
	return nil
}

// fifo is an unbounded FIFO with blocking, context-aware pulls. The
// notify channel is closed and replaced on every push so that all
// waiters observe the change.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func (f *fifo[T]) init() {
	f.notify = make(chan struct{})
}

func (f *fifo[T]) push(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return queue.ErrClosed
	}
	f.items = append(f.items, v)
	close(f.notify)
	f.notify = make(chan struct{})
	return nil
}

func (f *fifo[T]) pull(ctx context.Context) (T, error) {
	var zero T
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			v := f.items[0]
			f.items = f.items[1:]
			f.mu.Unlock()
			return v, nil
		}
		if f.closed {
			f.mu.Unlock()
			return zero, queue.ErrClosed
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

func (f *fifo[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.notify)
}

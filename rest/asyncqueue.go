package rest

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// AsyncQueue hands out exclusive turns in strict arrival order. Every
// successful Wait must be paired with exactly one Shift.
type AsyncQueue struct {
	sem     *semaphore.Weighted
	pending atomic.Int64
}

func NewAsyncQueue() *AsyncQueue {
	return &AsyncQueue{
		sem: semaphore.NewWeighted(1),
	}
}

// Wait blocks until every caller queued before it has called Shift. If ctx
// is cancelled first the caller leaves the queue without holding a turn.
func (q *AsyncQueue) Wait(ctx context.Context) error {
	q.pending.Add(1)
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.pending.Add(-1)
		return err
	}

	return nil
}

// Shift releases the current turn and wakes the next waiter.
func (q *AsyncQueue) Shift() {
	q.pending.Add(-1)
	q.sem.Release(1)
}

// Remaining is the number of callers holding or waiting for a turn.
func (q *AsyncQueue) Remaining() int {
	return int(q.pending.Load())
}

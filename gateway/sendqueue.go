package gateway

import (
	"sync"
	"time"
)

// sendQueue allows at most limit writes per window. Important payloads
// (heartbeats, identify, resume) jump to the head of the queue.
type sendQueue struct {
	limit  int
	window time.Duration
	write  func([]byte)

	flushLock sync.Mutex

	mu        sync.Mutex
	queue     [][]byte
	remaining int
	timer     *time.Timer
}

func newSendQueue(limit int, window time.Duration, write func([]byte)) *sendQueue {
	if limit <= 0 {
		limit = 120
	}

	if window <= 0 {
		window = time.Minute
	}

	return &sendQueue{
		limit:     limit,
		window:    window,
		write:     write,
		remaining: limit,
	}
}

func (q *sendQueue) push(payload []byte, important bool) {
	q.mu.Lock()
	if important {
		q.queue = append([][]byte{payload}, q.queue...)
	} else {
		q.queue = append(q.queue, payload)
	}
	q.mu.Unlock()

	q.flush()
}

func (q *sendQueue) flush() {
	q.flushLock.Lock()
	defer q.flushLock.Unlock()

	for {
		q.mu.Lock()
		if q.remaining == 0 || len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}

		if q.remaining == q.limit && q.timer == nil {
			q.timer = time.AfterFunc(q.window, q.refill)
		}

		payload := q.queue[0]
		q.queue = q.queue[1:]
		q.remaining--
		q.mu.Unlock()

		q.write(payload)
	}
}

func (q *sendQueue) refill() {
	q.mu.Lock()
	q.remaining = q.limit
	q.timer = nil
	q.mu.Unlock()

	q.flush()
}

func (q *sendQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue = nil
	q.remaining = q.limit
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *sendQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

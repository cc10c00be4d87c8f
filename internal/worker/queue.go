package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
)

// Queue is the in-memory FIFO of pending tasks shared by all workers.
// It performs no de-duplication; the store only hands out pending records.
type Queue struct {
	mu    sync.Mutex
	items []domain.Task
	// wake holds at most one token; a token means "items may be available".
	wake chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends tasks in order and wakes one waiting worker.
func (q *Queue) Push(tasks ...domain.Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, tasks...)
	q.mu.Unlock()
	q.signal()
}

// Len returns the current number of queued tasks without blocking on waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop removes the oldest task, waiting up to timeout for one to arrive.
// It returns false on timeout or when ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (domain.Task, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = domain.Task{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-timer.C:
			return domain.Task{}, false
		case <-ctx.Done():
			return domain.Task{}, false
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

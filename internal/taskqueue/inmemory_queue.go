package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory, ordered by NotBefore and
// then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
	// wake is closed and replaced whenever the head of the queue may have
	// changed.
	wake chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		wake: make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t)

	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].NotBefore.After(t.NotBefore)
	})
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t

	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := idleTimer()
	defer tmr.Stop()

	for {
		q.mu.Lock()
		wake := q.wake
		wait := time.Duration(-1)
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			if d := time.Until(head.NotBefore); d > 0 {
				wait = d
			} else {
				q.tasks = q.tasks[1:]
				q.mu.Unlock()
				return &head, nil
			}
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wake:
			}
			continue
		}

		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
			stopTimer(tmr)
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

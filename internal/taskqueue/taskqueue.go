package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hannabros/researchflow/internal/xjson"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskActivity runs an activity handler and reports its outcome.
	TaskActivity TaskType = "activity"

	// TaskTimer expires a wait on an external event.
	TaskTimer TaskType = "timer"

	// TaskAdvance re-evaluates an instance (used for sub-orchestrations and
	// recovery).
	TaskAdvance TaskType = "advance"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID         string   `json:"id"`
	Type       TaskType `json:"type"`
	InstanceID string   `json:"instance_id"`

	// For activity tasks: the scheduling event this run resolves.
	ScheduledSeq int64            `json:"scheduled_seq,omitempty"`
	Activity     string           `json:"activity,omitempty"`
	Input        xjson.RawMessage `json:"input,omitempty"`

	// For timer tasks: the wait is only expired if the history still ends
	// at ExpectedSeq and the instance is still waiting on EventName.
	ExpectedSeq int64  `json:"expected_seq,omitempty"`
	EventName   string `json:"event_name,omitempty"`

	// Attempts counts previous runs of this task.
	Attempts int `json:"attempts,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `json:"not_before"`
}

// Queue is a simple async task queue interface.
//
// Delivery is at-most-once per Dequeue: a task that is dequeued and then lost
// with its worker is re-created from history by the engine's recovery.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, including ones
	// that are not yet eligible.
	Len() int
}

// prepare fills in the fields every backend relies on.
func prepare(t Task) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

// idleTimer returns a stopped timer that pollers can Reset between attempts.
func idleTimer() *time.Timer {
	tmr := time.NewTimer(0)
	stopTimer(tmr)
	return tmr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		stopTimer(tmr)
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func stopTimer(tmr *time.Timer) {
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
}

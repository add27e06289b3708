package api

import (
	"context"

	"github.com/hannabros/researchflow/internal/xjson"
)

// Engine is the client-facing surface of the orchestration engine.
type Engine interface {
	// Submit validates a research submission and starts a new instance of
	// the research workflow for it.
	Submit(ctx context.Context, sub Submission) (*Instance, error)

	// Start starts a new instance of any registered workflow.
	Start(ctx context.Context, workflow string, input any) (*Instance, error)

	// GetInstance returns the current projection of an instance.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances returns instances matching the filter.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// History returns the full, ordered event log of an instance.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// RaiseEvent delivers an external event to an instance that is waiting on
	// it. It returns ErrNoWaiter if the instance is not waiting on ev.Name.
	RaiseEvent(ctx context.Context, id string, ev ExternalEvent) (*Instance, error)

	// Recover re-dispatches outstanding work for every non-terminal instance
	// and returns how many instances were touched. It is meant to run once on
	// process start.
	Recover(ctx context.Context) (int, error)
}

// Executor is the worker-facing surface of the engine. Workers report
// activity outcomes and timer expirations through it.
type Executor interface {
	// CompleteActivity records the result of the activity scheduled at
	// scheduledSeq. Duplicate reports are ignored.
	CompleteActivity(ctx context.Context, instanceID string, scheduledSeq int64, result xjson.RawMessage) error

	// FailActivity records the failure of the activity scheduled at
	// scheduledSeq. Duplicate reports are ignored.
	FailActivity(ctx context.Context, instanceID string, scheduledSeq int64, cause error) error

	// FireTimer expires the wait on eventName if the instance is still
	// waiting on it and has not moved past expectedSeq.
	FireTimer(ctx context.Context, instanceID string, expectedSeq int64, eventName string) error

	// RunInstance evaluates the instance and applies the resulting decisions.
	RunInstance(ctx context.Context, instanceID string) error
}

package persistence

import (
	"context"
	"errors"

	"github.com/hannabros/researchflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	// It is the api sentinel so callers can match it across layers.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by CreateInstance for a duplicate ID.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrSequenceConflict is returned by AppendEvents when the history has
	// moved past the expected sequence number. Another writer got there
	// first; the caller should reload and re-evaluate.
	ErrSequenceConflict = errors.New("history sequence conflict")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Workflow string
	Status   api.Status
}

func (f InstanceFilter) match(inst *api.Instance) bool {
	if f.Workflow != "" && inst.Workflow != f.Workflow {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// HistoryStore is the append-only event log, one totally ordered history
// per instance.
type HistoryStore interface {
	// AppendEvents appends events after expectedLastSeq, assigning them the
	// following sequence numbers. It returns ErrSequenceConflict if the
	// history does not end at expectedLastSeq.
	AppendEvents(ctx context.Context, instanceID string, expectedLastSeq int64, events []api.HistoryEvent) ([]api.HistoryEvent, error)

	// ListEvents returns the full history ordered by sequence number.
	ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// InstanceStore holds the overwritable projection of each instance.
type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*api.Instance, error)
	UpdateInstance(ctx context.Context, inst *api.Instance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error)
}

// Store is the History/Status Store used by the engine.
type Store interface {
	HistoryStore
	InstanceStore

	// CreateInstance saves a new projection together with its Started event,
	// which becomes seq 1. It returns ErrInstanceExists for a duplicate ID.
	CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error
}

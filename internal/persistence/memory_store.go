package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/hannabros/researchflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
	history   map[string][]api.HistoryEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
		history:   make(map[string][]api.HistoryEvent),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	s.history[inst.ID] = stamp(inst.ID, 0, []api.HistoryEvent{started})
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, instanceID string, expectedLastSeq int64, events []api.HistoryEvent) ([]api.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.history[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	if int64(len(h)) != expectedLastSeq {
		return nil, ErrSequenceConflict
	}

	stamped := stamp(instanceID, expectedLastSeq, events)
	s.history[instanceID] = append(h, stamped...)
	return stamped, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.history[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return append([]api.HistoryEvent(nil), h...), nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return cloneInstance(inst), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance

	for _, inst := range s.instances {
		if !filter.match(inst) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hannabros/researchflow/internal/orchestrator"
	"github.com/hannabros/researchflow/pkg/api"
)

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]orchestrator.Program
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]orchestrator.Program),
	}
}

func (r *workflowRegistry) Register(name string, prog orchestrator.Program) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if prog == nil {
		return fmt.Errorf("workflow %q has no program", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.byName[name] = prog
	return nil
}

func (r *workflowRegistry) Get(name string) (orchestrator.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prog, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownWorkflow, name)
	}
	return prog, nil
}

func (r *workflowRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

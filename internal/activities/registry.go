// Package activities holds the activity handlers of the research workflow
// and the registry workers look them up in.
package activities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hannabros/researchflow/internal/xjson"
)

// ErrUnknownActivity is returned by Get for names nothing was registered
// under.
var ErrUnknownActivity = errors.New("unknown activity")

// Handler runs one activity invocation. Input and output are the JSON
// payloads recorded in history.
type Handler func(ctx context.Context, input xjson.RawMessage) (xjson.RawMessage, error)

// Registry maps activity names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Registering the same name twice is an error.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActivity, name)
	}
	return h, nil
}

// Names returns the registered activity names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Typed wraps a strongly-typed function into a Handler.
// Example:
//
//	reg.Register("extract", activities.Typed(func(ctx context.Context, query string) (string, error) {
//	    return strings.ToUpper(query), nil
//	}))
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, input xjson.RawMessage) (xjson.RawMessage, error) {
		var in In
		if len(input) > 0 {
			if err := xjson.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return xjson.Marshal(out)
	}
}

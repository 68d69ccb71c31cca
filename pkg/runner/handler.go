package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/forzeo/forzeo-core/pkg/queue"
)

// Handler executes a single work item and returns the result payload to be
// stored on the item. A returned error schedules a retry unless it is
// permanent or the item has exhausted its retry budget.
type Handler interface {
	Type() string
	Handle(ctx context.Context, item *queue.WorkItem) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, item *queue.WorkItem) ([]byte, error)
}

func (h HandlerFunc) Type() string { return h.Name }

func (h HandlerFunc) Handle(ctx context.Context, item *queue.WorkItem) ([]byte, error) {
	return h.Fn(ctx, item)
}

// PermanentError marks a failure that retrying cannot fix. The runner sends
// the item straight to the dead letter state regardless of retries remaining.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runner treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps job types to handlers. Registration happens at startup;
// lookups afterwards are concurrent with execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Type()
	if name == "" {
		return fmt.Errorf("runner: handler type must not be empty")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("runner: handler already registered for type %q", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

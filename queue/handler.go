package queue

import (
	"context"
	"sync"

	"github.com/spendsweep/spendsweep/errors"
)

// Handler defines the interface for executing a specific job family.
// Domain packages implement this interface to handle their job types,
// keeping the queue infrastructure decoupled from domain logic.
//
// Handlers must be idempotent with respect to their side effects, or check
// ledger state before acting: at-least-once delivery means a handler can see
// the same payload twice after a crash.
type Handler interface {
	// Execute runs the job and returns any error encountered.
	// A returned error triggers the retry policy; nil marks the job done.
	// The context carries the per-job deadline; handlers must respect it.
	Execute(ctx context.Context, job *Job) error

	// Name returns the handler name (e.g. "review.transactions").
	// Used for handler registration and job routing.
	Name() string
}

// FailureHook is optionally implemented by handlers that need to observe a
// job's permanent failure, after the attempt ceiling is exhausted. The
// generation handlers use this to mark their ledger run failed so a later
// sweep can retry the period.
type FailureHook interface {
	OnPermanentFailure(ctx context.Context, job *Job, cause error)
}

// Registry routes jobs to handlers by name: tagged-variant dispatch through
// a map rather than subclassing. Thread-safe for concurrent registration
// and lookup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic("handler already registered for name: " + name)
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *Registry) Get(handlerName string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *Registry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch executes the job through its registered handler.
func (r *Registry) Dispatch(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.New("job missing handler_name")
	}

	handler := r.Get(job.HandlerName)
	if handler == nil {
		return errors.Newf("no handler registered for handler name: %s", job.HandlerName)
	}
	return handler.Execute(ctx, job)
}

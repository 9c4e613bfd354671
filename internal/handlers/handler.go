package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/harleyk/svix-test/internal/domain"
)

// Handler processes a task of a specific type.
//
// The return value encodes the outcome: nil means success, a plain error
// means retryable failure, and an error wrapped with Fatal means the
// task must not be retried.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) error
	TaskType() string
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as a non-retryable failure. The worker fails the task
// immediately regardless of remaining attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Registry maps task types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskType()] = h
}

// Get returns the handler for the given task type.
// Returns InvalidTaskTypeError if not registered.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &domain.InvalidTaskTypeError{TaskType: taskType}
	}
	return h, nil
}

package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RateLimitExceededError is returned when a client exceeds its submission rate limit.
type RateLimitExceededError struct {
	Client string
	Limit  int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for client %q: limit is %d", e.Client, e.Limit)
}

// InvalidTaskTypeError is returned when no handler is registered for a task type.
type InvalidTaskTypeError struct {
	TaskType string
}

func (e *InvalidTaskTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.TaskType)
}

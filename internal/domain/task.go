package domain

import (
	"encoding/json"
	"time"
)

// Status is the externally visible state of a task, derived from its
// timestamp fields rather than stored.
type Status string

const (
	// StatusScheduled means start_at is still in the future.
	StatusScheduled Status = "SCHEDULED"
	// StatusPending means the task is eligible and waiting for a worker.
	StatusPending Status = "PENDING"
	// StatusClaimed means a worker holds a live lease on the task.
	StatusClaimed   Status = "CLAIMED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the core domain entity representing a unit of background work.
//
// All scheduling state lives in the timestamp fields. A task is claimed
// while worker_assigned_at is set and the lease has not expired; it is
// terminal once completed_at or failed_at is set, and those fields are
// never cleared.
type Task struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartAt          time.Time       `json:"start_at"`
	WorkerAssignedAt *time.Time      `json:"worker_assigned_at,omitempty"`
	ClaimantID       *string         `json:"claimant_id,omitempty"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
}

// Terminal returns true once the task has completed or failed.
func (t *Task) Terminal() bool {
	return t.CompletedAt != nil || t.FailedAt != nil
}

// Eligible reports whether a worker may claim the task at the given
// instant: start_at has passed, the task is not terminal, and it is
// either unclaimed or its lease has expired. A lease that expires
// exactly at now counts as expired.
func (t *Task) Eligible(now time.Time) bool {
	if t.StartAt.After(now) || t.Terminal() {
		return false
	}
	if t.WorkerAssignedAt == nil {
		return true
	}
	return t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
}

// Status derives the task's externally visible state at the given instant.
func (t *Task) Status(now time.Time) Status {
	switch {
	case t.CompletedAt != nil:
		return StatusCompleted
	case t.FailedAt != nil:
		return StatusFailed
	case t.WorkerAssignedAt != nil && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now):
		return StatusClaimed
	case t.StartAt.After(now):
		return StatusScheduled
	default:
		return StatusPending
	}
}

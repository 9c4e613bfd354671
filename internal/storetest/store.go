// Package storetest provides an in-memory TaskStore with the same
// conditional-write semantics as the Postgres repository. It backs unit
// tests that exercise the claim protocol without a database.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/harleyk/svix-test/internal/domain"
	"github.com/harleyk/svix-test/internal/postgres"
)

// Store is a mutex-guarded TaskStore. Each method is atomic with respect
// to the others, mirroring the single-statement UPDATEs of the real
// repository.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task

	// Err, when set, is returned by every method. Simulates storage outages.
	Err error
}

var _ postgres.TaskStore = (*Store)(nil)

func New() *Store {
	return &Store{tasks: make(map[string]*domain.Task)}
}

func (s *Store) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := *task
	if cp.Payload == nil {
		// The repository coalesces a nil payload to '{}'::jsonb on insert.
		cp.Payload = json.RawMessage(`{}`)
	}
	s.tasks[task.ID] = &cp
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.Status, now time.Time, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status(now) == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimNext(_ context.Context, workerID string, now time.Time, lease time.Duration) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var candidates []*domain.Task
	for _, t := range s.tasks {
		if t.Eligible(now) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	t := candidates[0]
	assigned := now
	expiry := now.Add(lease)
	claimant := workerID
	t.WorkerAssignedAt = &assigned
	t.ClaimantID = &claimant
	t.LeaseExpiresAt = &expiry
	t.AttemptCount++

	cp := *t
	return &cp, nil
}

func (s *Store) Complete(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	t, ok := s.tasks[id]
	if !ok || !s.owned(t, workerID) {
		return false, nil
	}
	completed := now
	t.CompletedAt = &completed
	return true, nil
}

func (s *Store) Requeue(_ context.Context, id, workerID string, startAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	t, ok := s.tasks[id]
	if !ok || !s.owned(t, workerID) {
		return false, nil
	}
	t.WorkerAssignedAt = nil
	t.ClaimantID = nil
	t.LeaseExpiresAt = nil
	t.StartAt = startAt
	return true, nil
}

func (s *Store) Fail(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	t, ok := s.tasks[id]
	if !ok || !s.owned(t, workerID) {
		return false, nil
	}
	failed := now
	t.FailedAt = &failed
	return true, nil
}

func (s *Store) SweepExpired(_ context.Context, now time.Time, maxAttempts int) (postgres.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res postgres.SweepResult
	if s.Err != nil {
		return res, s.Err
	}
	for _, t := range s.tasks {
		stale := t.WorkerAssignedAt != nil &&
			t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) &&
			!t.Terminal()
		if !stale {
			continue
		}
		if t.AttemptCount >= maxAttempts {
			failed := now
			t.FailedAt = &failed
			res.Failed = append(res.Failed, t.ID)
		} else {
			t.WorkerAssignedAt = nil
			t.ClaimantID = nil
			t.LeaseExpiresAt = nil
			res.Reclaimed = append(res.Reclaimed, t.ID)
		}
	}
	return res, nil
}

// owned mirrors the SQL ownership guard: claimant matches and the task
// is not terminal.
func (s *Store) owned(t *domain.Task, workerID string) bool {
	return t.ClaimantID != nil && *t.ClaimantID == workerID && !t.Terminal()
}

// Snapshot returns a copy of the stored task, for assertions.
func (s *Store) Snapshot(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

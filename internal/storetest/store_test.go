package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harleyk/svix-test/internal/domain"
)

var now = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, s *Store, id string, startAt time.Time) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &domain.Task{
		ID:        id,
		Type:      "foo",
		CreatedAt: startAt,
		StartAt:   startAt,
	}))
}

func TestClaimNext_AtMostOneClaimUnderConcurrency(t *testing.T) {
	const workers = 16
	const tasks = 50

	s := New()
	for i := 0; i < tasks; i++ {
		seedTask(t, s, fmt.Sprintf("task-%03d", i), now.Add(-time.Hour))
	}

	var mu sync.Mutex
	claimed := make(map[string]string) // task id → worker id

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				task, err := s.ClaimNext(context.Background(), workerID, now, time.Minute)
				require.NoError(t, err)
				if task == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[task.ID]
				claimed[task.ID] = workerID
				mu.Unlock()
				require.False(t, dup, "task %s claimed by both %s and %s", task.ID, prev, workerID)
			}
		}(fmt.Sprintf("worker-%02d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, tasks, "every eligible task should be claimed exactly once")
}

func TestClaimNext_OldestEligibleFirst(t *testing.T) {
	s := New()
	seedTask(t, s, "task-b", now.Add(-time.Minute))
	seedTask(t, s, "task-a", now.Add(-time.Hour))
	seedTask(t, s, "task-c", now.Add(time.Hour)) // not yet due

	task, err := s.ClaimNext(context.Background(), "w1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-a", task.ID, "lowest start_at wins")
	assert.Equal(t, 1, task.AttemptCount)

	task, err = s.ClaimNext(context.Background(), "w1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-b", task.ID)

	task, err = s.ClaimNext(context.Background(), "w1", now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "task-c is not due yet")
}

func TestClaimNext_ExpiredLeaseIsReclaimable(t *testing.T) {
	s := New()
	seedTask(t, s, "task-1", now.Add(-time.Hour))

	_, err := s.ClaimNext(context.Background(), "w1", now, time.Minute)
	require.NoError(t, err)

	// Lease still live: no claim possible.
	task, err := s.ClaimNext(context.Background(), "w2", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	// Lease expired: w2 may take over, bumping the attempt count.
	task, err = s.ClaimNext(context.Background(), "w2", now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "w2", *task.ClaimantID)
	assert.Equal(t, 2, task.AttemptCount)
}

func TestComplete_OwnershipGuard(t *testing.T) {
	s := New()
	seedTask(t, s, "task-1", now.Add(-time.Hour))

	_, err := s.ClaimNext(context.Background(), "w1", now, time.Minute)
	require.NoError(t, err)

	// Wrong worker: guard rejects.
	ok, err := s.Complete(context.Background(), "task-1", "w2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Complete(context.Background(), "task-1", "w1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal state is immutable: even the owner cannot write again.
	ok, err = s.Fail(context.Background(), "task-1", "w1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	snap, found := s.Snapshot("task-1")
	require.True(t, found)
	assert.NotNil(t, snap.CompletedAt)
	assert.Nil(t, snap.FailedAt)
}

func TestStaleWorkerCannotClobberReclaimedTask(t *testing.T) {
	s := New()
	seedTask(t, s, "task-1", now.Add(-time.Hour))

	_, err := s.ClaimNext(context.Background(), "w1", now, time.Minute)
	require.NoError(t, err)

	// Lease expires and w2 re-claims.
	later := now.Add(2 * time.Minute)
	task, err := s.ClaimNext(context.Background(), "w2", later, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	// w1 comes back from the dead; its completion write must be a no-op.
	ok, err := s.Complete(context.Background(), "task-1", "w1", later)
	require.NoError(t, err)
	assert.False(t, ok, "stale worker's write must be rejected")

	snap, _ := s.Snapshot("task-1")
	assert.Nil(t, snap.CompletedAt)
	assert.Equal(t, "w2", *snap.ClaimantID)
}

func TestSweepExpired(t *testing.T) {
	s := New()
	// Distinct start times fix the claim order: fresh, stale, exhausted.
	seedTask(t, s, "task-fresh", now.Add(-3*time.Hour))
	seedTask(t, s, "task-stale", now.Add(-2*time.Hour))
	seedTask(t, s, "task-exhausted", now.Add(-time.Hour))

	_, err := s.ClaimNext(context.Background(), "w1", now, time.Hour) // fresh lease
	require.NoError(t, err)
	_, err = s.ClaimNext(context.Background(), "w2", now, time.Minute)
	require.NoError(t, err)
	_, err = s.ClaimNext(context.Background(), "w3", now, time.Minute)
	require.NoError(t, err)

	// Push the exhausted task to the ceiling.
	s.mu.Lock()
	s.tasks["task-exhausted"].AttemptCount = 3
	s.mu.Unlock()

	res, err := s.SweepExpired(context.Background(), now.Add(2*time.Minute), 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task-stale"}, res.Reclaimed)
	assert.ElementsMatch(t, []string{"task-exhausted"}, res.Failed)

	stale, _ := s.Snapshot("task-stale")
	assert.Nil(t, stale.ClaimantID)
	assert.Nil(t, stale.LeaseExpiresAt)
	assert.True(t, stale.Eligible(now.Add(2*time.Minute)))

	exhausted, _ := s.Snapshot("task-exhausted")
	assert.NotNil(t, exhausted.FailedAt)

	fresh, _ := s.Snapshot("task-fresh")
	assert.Nil(t, fresh.CompletedAt)
	assert.Equal(t, "w1", *fresh.ClaimantID, "live lease must be untouched")
}

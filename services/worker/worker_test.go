package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harleyk/svix-test/internal/domain"
	"github.com/harleyk/svix-test/internal/events"
	"github.com/harleyk/svix-test/internal/handlers"
	"github.com/harleyk/svix-test/internal/storetest"
	"github.com/harleyk/svix-test/pkg/backoff"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type funcHandler struct {
	taskType string
	fn       func(ctx context.Context, task *domain.Task) error
}

func (h *funcHandler) Handle(ctx context.Context, task *domain.Task) error { return h.fn(ctx, task) }
func (h *funcHandler) TaskType() string                                    { return h.taskType }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) byType(event string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, store *storetest.Store, clock *fakeClock, h handlers.Handler, opts ...Option) (*Worker, *recordingPublisher) {
	t.Helper()
	registry := handlers.NewRegistry()
	if h != nil {
		registry.Register(h)
	}
	pub := &recordingPublisher{}
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(clock.Now),
		WithEvents(pub),
		WithBackoff(backoff.Policy{Strategy: backoff.Exponential, BaseDelay: time.Second}),
	}
	return NewWorker("worker-1", store, registry, append(base, opts...)...), pub
}

func seedTask(t *testing.T, store *storetest.Store, id string, startAt time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &domain.Task{
		ID:        id,
		Type:      "test_task",
		CreatedAt: startAt.Add(-time.Minute),
		StartAt:   startAt,
	}))
}

func TestWorkerCompletesSuccessfulTask(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	var calls int
	w, pub := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(context.Context, *domain.Task) error {
			calls++
			return nil
		},
	})

	assert.True(t, w.poll(context.Background()))

	snap, ok := store.Snapshot("task-1")
	require.True(t, ok)
	assert.NotNil(t, snap.CompletedAt)
	assert.Nil(t, snap.FailedAt)
	assert.Equal(t, 1, snap.AttemptCount)
	assert.Equal(t, 1, calls)
	require.Len(t, pub.byType(events.TypeCompleted), 1)
	assert.Equal(t, "task-1", pub.byType(events.TypeCompleted)[0].TaskID)

	// A completed task is never handed out again.
	assert.False(t, w.poll(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestWorkerIgnoresFutureTaskUntilDue(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now().Add(time.Hour))

	w, _ := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn:       func(context.Context, *domain.Task) error { return nil },
	})

	assert.False(t, w.poll(context.Background()))

	clock.Advance(time.Hour)
	assert.True(t, w.poll(context.Background()))

	snap, _ := store.Snapshot("task-1")
	assert.NotNil(t, snap.CompletedAt)
}

func TestWorkerRequeuesRetryableFailureWithBackoff(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	var calls int
	w, pub := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(context.Context, *domain.Task) error {
			calls++
			if calls == 1 {
				return errors.New("downstream unavailable")
			}
			return nil
		},
	})

	require.True(t, w.poll(context.Background()))

	snap, _ := store.Snapshot("task-1")
	assert.Nil(t, snap.ClaimantID)
	assert.Nil(t, snap.WorkerAssignedAt)
	assert.Equal(t, 1, snap.AttemptCount)
	// Exponential backoff after the first attempt: base * 1².
	assert.Equal(t, clock.Now().Add(time.Second), snap.StartAt)
	assert.Empty(t, pub.byType(events.TypeFailed))

	// Not yet eligible: the backoff window has not elapsed.
	assert.False(t, w.poll(context.Background()))

	clock.Advance(time.Second)
	require.True(t, w.poll(context.Background()))

	snap, _ = store.Snapshot("task-1")
	assert.NotNil(t, snap.CompletedAt)
	assert.Equal(t, 2, snap.AttemptCount)
	assert.Equal(t, 2, calls)
}

func TestWorkerFailsFatalErrorImmediately(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	w, pub := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(context.Context, *domain.Task) error {
			return handlers.Fatal(errors.New("payload malformed"))
		},
	}, WithMaxAttempts(5))

	require.True(t, w.poll(context.Background()))

	snap, _ := store.Snapshot("task-1")
	assert.NotNil(t, snap.FailedAt)
	assert.Nil(t, snap.CompletedAt)
	assert.Equal(t, 1, snap.AttemptCount)
	assert.Len(t, pub.byType(events.TypeFailed), 1)
}

func TestWorkerStopsRetryingAtAttemptCeiling(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	var calls int
	w, pub := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(context.Context, *domain.Task) error {
			calls++
			return errors.New("still broken")
		},
	}, WithMaxAttempts(3))

	for i := 0; i < 10; i++ {
		if !w.poll(context.Background()) {
			clock.Advance(time.Minute)
		}
		if snap, _ := store.Snapshot("task-1"); snap.Terminal() {
			break
		}
	}

	snap, _ := store.Snapshot("task-1")
	assert.NotNil(t, snap.FailedAt)
	assert.Equal(t, 3, snap.AttemptCount)
	assert.Equal(t, 3, calls)
	assert.Len(t, pub.byType(events.TypeFailed), 1)

	// Terminal: never claimed again no matter how long we wait.
	clock.Advance(24 * time.Hour)
	assert.False(t, w.poll(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	w, _ := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(context.Context, *domain.Task) error {
			panic("nil pointer somewhere deep")
		},
	})

	require.NotPanics(t, func() {
		w.poll(context.Background())
	})

	// A panic is a retryable failure: the task goes back to the pool.
	snap, _ := store.Snapshot("task-1")
	assert.Nil(t, snap.FailedAt)
	assert.Nil(t, snap.ClaimantID)
	assert.Equal(t, 1, snap.AttemptCount)
}

func TestWorkerFailsTaskWithNoRegisteredHandler(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	w, pub := newTestWorker(t, store, clock, nil)

	require.True(t, w.poll(context.Background()))

	snap, _ := store.Snapshot("task-1")
	assert.NotNil(t, snap.FailedAt)
	assert.Len(t, pub.byType(events.TypeFailed), 1)
}

func TestWorkerLapsedClaimIsNoOp(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	// While the handler runs, the lease expires and another worker takes
	// over the task. The original worker's completion write must not land.
	w, pub := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(ctx context.Context, task *domain.Task) error {
			clock.Advance(2 * time.Minute) // past the default lease
			_, err := store.SweepExpired(ctx, clock.Now(), 10)
			require.NoError(t, err)
			other, err := store.ClaimNext(ctx, "worker-2", clock.Now(), time.Minute)
			require.NoError(t, err)
			require.NotNil(t, other)
			return nil
		},
	})

	require.True(t, w.poll(context.Background()))

	snap, _ := store.Snapshot("task-1")
	assert.Nil(t, snap.CompletedAt)
	require.NotNil(t, snap.ClaimantID)
	assert.Equal(t, "worker-2", *snap.ClaimantID)
	assert.Empty(t, pub.byType(events.TypeCompleted))
}

func TestWorkerSurvivesStorageOutageOnClaim(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	seedTask(t, store, "task-1", clock.Now())

	var calls int
	w, _ := newTestWorker(t, store, clock, &funcHandler{
		taskType: "test_task",
		fn: func(context.Context, *domain.Task) error {
			calls++
			return nil
		},
	})

	store.Err = errors.New("connection refused")
	assert.False(t, w.poll(context.Background()))
	assert.Equal(t, 0, calls)

	store.Err = nil
	assert.True(t, w.poll(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storetest.New()
	w, _ := newTestWorker(t, store, clock, nil,
		WithPollInterval(5*time.Millisecond), WithPollJitter(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

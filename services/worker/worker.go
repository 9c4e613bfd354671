package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harleyk/svix-test/internal/domain"
	"github.com/harleyk/svix-test/internal/events"
	"github.com/harleyk/svix-test/internal/handlers"
	"github.com/harleyk/svix-test/internal/postgres"
	redisstore "github.com/harleyk/svix-test/internal/redis"
	"github.com/harleyk/svix-test/pkg/backoff"
	"github.com/harleyk/svix-test/pkg/telemetry"
)

// Worker drives the poll → claim → execute → complete cycle for one
// worker identity. All coordination with other workers happens through
// the store's conditional writes; the worker holds no cross-process
// state.
type Worker struct {
	store    postgres.TaskStore
	registry *handlers.Registry
	cache    redisstore.StateStore // nil = disabled
	events   events.Publisher
	workerID string

	pollInterval  time.Duration
	pollJitter    time.Duration
	leaseDuration time.Duration
	taskTimeout   time.Duration
	maxAttempts   int
	backoff       backoff.Policy
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option             { return func(w *Worker) { w.logger = l } }
func WithPollInterval(d time.Duration) Option      { return func(w *Worker) { w.pollInterval = d } }
func WithPollJitter(d time.Duration) Option        { return func(w *Worker) { w.pollJitter = d } }
func WithLeaseDuration(d time.Duration) Option     { return func(w *Worker) { w.leaseDuration = d } }
func WithTaskTimeout(d time.Duration) Option       { return func(w *Worker) { w.taskTimeout = d } }
func WithMaxAttempts(n int) Option                 { return func(w *Worker) { w.maxAttempts = n } }
func WithBackoff(p backoff.Policy) Option          { return func(w *Worker) { w.backoff = p } }
func WithCache(c redisstore.StateStore) Option     { return func(w *Worker) { w.cache = c } }
func WithEvents(p events.Publisher) Option         { return func(w *Worker) { w.events = p } }
func WithClock(now func() time.Time) Option        { return func(w *Worker) { w.now = now } }

// NewWorker constructs a Worker with the given dependencies and options.
// workerID must be unique per poll loop: the ownership guard keys on it.
func NewWorker(workerID string, store postgres.TaskStore, registry *handlers.Registry, opts ...Option) *Worker {
	w := &Worker{
		workerID:      workerID,
		store:         store,
		registry:      registry,
		events:        events.NopPublisher{},
		pollInterval:  time.Second,
		pollJitter:    250 * time.Millisecond,
		leaseDuration: time.Minute,
		taskTimeout:   30 * time.Second,
		maxAttempts:   3,
		backoff:       backoff.Policy{Strategy: backoff.Exponential, BaseDelay: time.Second},
		now:           func() time.Time { return time.Now().UTC() },
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. An in-flight task is always finished
// before returning; only the next poll is skipped.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker loop started",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("lease_duration", w.leaseDuration),
		slog.Int("max_attempts", w.maxAttempts),
	)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker loop stopped")
			return nil
		}
		if w.poll(ctx) {
			// Claimed and executed something: re-poll immediately so a
			// backlog drains at full speed.
			continue
		}
		if !w.sleep(ctx) {
			w.logger.Info("worker loop stopped")
			return nil
		}
	}
}

// poll performs one claim attempt, executing the claimed task to a
// terminal or requeued state. Returns true if a task was claimed.
func (w *Worker) poll(ctx context.Context) bool {
	task, err := w.store.ClaimNext(ctx, w.workerID, w.now(), w.leaseDuration)
	if err != nil {
		// Transient storage trouble: log and try again next tick. Never
		// treated as a task failure.
		if ctx.Err() == nil {
			w.logger.Error("claim failed", slog.String("error", err.Error()))
		}
		return false
	}
	if task == nil {
		telemetry.WorkerPollsEmpty.Inc()
		return false
	}

	telemetry.WorkerTasksClaimed.Inc()
	w.execute(ctx, task)
	return true
}

// sleep waits one poll interval plus jitter. The jitter spreads many
// workers' polls so they don't hammer the store in lockstep. Returns
// false when ctx was cancelled during the wait.
func (w *Worker) sleep(ctx context.Context) bool {
	d := w.pollInterval
	if w.pollJitter > 0 {
		d += time.Duration(rand.Int63n(int64(w.pollJitter)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) execute(ctx context.Context, task *domain.Task) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.execute_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
		attribute.String("worker.id", w.workerID),
		attribute.Int("task.attempt", task.AttemptCount),
	)

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.Int("attempt", task.AttemptCount),
	)
	log.Info("task claimed")
	w.cacheStatus(ctx, task.ID, domain.StatusClaimed)

	h, err := w.registry.Get(task.Type)
	if err != nil {
		log.Error("no handler for task type", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		w.finishFailure(ctx, log, task)
		return
	}

	telemetry.WorkerTasksInFlight.Inc()
	start := time.Now()

	// The handler runs on a fresh context so a shutdown signal does not
	// abandon it mid-flight; only its own timeout cancels it. The span
	// is re-attached so handler child spans stay parented here.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), span),
		w.taskTimeout,
	)
	execErr := w.runHandler(execCtx, h, task)
	cancel()

	telemetry.WorkerTasksInFlight.Dec()
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	switch {
	case execErr == nil:
		w.finishSuccess(ctx, log, task)
	case handlers.IsFatal(execErr) || task.AttemptCount >= w.maxAttempts:
		log.Error("task failed terminally",
			slog.String("error", execErr.Error()),
			slog.Bool("fatal", handlers.IsFatal(execErr)),
		)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "task failed")
		w.finishFailure(ctx, log, task)
	default:
		log.Warn("attempt failed, requeueing", slog.String("error", execErr.Error()))
		span.RecordError(execErr)
		w.requeue(ctx, log, task)
	}
}

// runHandler invokes the handler, converting a panic into a retryable
// failure so one bad task never takes the worker process down.
func (w *Worker) runHandler(ctx context.Context, h handlers.Handler, task *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}

func (w *Worker) finishSuccess(ctx context.Context, log *slog.Logger, task *domain.Task) {
	now := w.now()
	wctx, cancel := w.writeCtx(ctx)
	defer cancel()
	ok, err := w.store.Complete(wctx, task.ID, w.workerID, now)
	if err != nil {
		// The task stays claimed; the sweeper reclaims it once the lease
		// expires, and the next attempt re-runs the handler.
		log.Error("completion write failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.claimLapsed(log)
		return
	}
	log.Info("task completed")
	w.cacheStatus(ctx, task.ID, domain.StatusCompleted)
	w.publish(ctx, log, events.Completed(task, w.workerID, now))
	telemetry.WorkerTasksProcessed.WithLabelValues("completed").Inc()
}

func (w *Worker) finishFailure(ctx context.Context, log *slog.Logger, task *domain.Task) {
	now := w.now()
	wctx, cancel := w.writeCtx(ctx)
	defer cancel()
	ok, err := w.store.Fail(wctx, task.ID, w.workerID, now)
	if err != nil {
		log.Error("failure write failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.claimLapsed(log)
		return
	}
	w.cacheStatus(ctx, task.ID, domain.StatusFailed)
	w.publish(ctx, log, events.Failed(task, w.workerID, now))
	telemetry.WorkerTasksProcessed.WithLabelValues("failed").Inc()
}

func (w *Worker) requeue(ctx context.Context, log *slog.Logger, task *domain.Task) {
	delay := w.backoff.Delay(task.AttemptCount)
	startAt := w.now().Add(delay)
	wctx, cancel := w.writeCtx(ctx)
	defer cancel()
	ok, err := w.store.Requeue(wctx, task.ID, w.workerID, startAt)
	if err != nil {
		log.Error("requeue write failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.claimLapsed(log)
		return
	}
	log.Info("task requeued", slog.Duration("backoff", delay), slog.Time("start_at", startAt))
	w.cacheStatus(ctx, task.ID, domain.StatusPending)
	telemetry.WorkerTasksProcessed.WithLabelValues("retried").Inc()
}

// claimLapsed handles a rejected ownership-guarded write: the lease
// expired and someone else owns the task now. Not an error.
func (w *Worker) claimLapsed(log *slog.Logger) {
	log.Info("claim lapsed before write, task reassigned")
	telemetry.WorkerClaimLapsedTotal.Inc()
}

// writeCtx detaches terminal writes from the run context: a completion
// that raced shutdown should still land instead of leaving the task to
// the sweeper.
func (w *Worker) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (w *Worker) cacheStatus(ctx context.Context, taskID string, status domain.Status) {
	if w.cache == nil {
		return
	}
	if err := w.cache.SetStatus(ctx, taskID, status); err != nil {
		w.logger.Debug("status cache update failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) publish(ctx context.Context, log *slog.Logger, ev events.Event) {
	if err := w.events.Publish(ctx, ev); err != nil {
		log.Error("event publish failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

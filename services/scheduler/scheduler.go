// Package scheduler turns recurring task definitions into concrete queue
// rows. A single leader, elected through Redis, evaluates cron
// expressions and inserts due tasks; execution is left entirely to the
// workers.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/harleyk/svix-test/internal/domain"
	"github.com/harleyk/svix-test/internal/postgres"
	"github.com/harleyk/svix-test/pkg/telemetry"
)

const (
	leaderKey = "scheduler:leader"
	leaderTTL = 30 * time.Second
)

// RecurringTask mirrors the recurring_tasks DB table.
type RecurringTask struct {
	ID        string
	Name      string
	CronExpr  string
	TaskType  string
	Payload   json.RawMessage
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// Scheduler fires recurring tasks with Redis leader election. Multiple
// instances may run; only the leader inserts tasks, so a definition
// never fires twice per due window.
type Scheduler struct {
	pool       *pgxpool.Pool
	store      postgres.TaskStore
	redis      *redis.Client
	instanceID string
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }
func WithInterval(d time.Duration) Option   { return func(s *Scheduler) { s.interval = d } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler constructs a Scheduler. pool is used for the
// recurring_tasks table directly; store inserts the fired tasks.
func NewScheduler(pool *pgxpool.Pool, store postgres.TaskStore, redisClient *redis.Client, instanceID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:       pool,
		store:      store,
		redis:      redisClient,
		instanceID: instanceID,
		interval:   15 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is the main polling loop: tries to become leader, then fires due
// definitions. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.String("instance_id", s.instanceID),
		slog.Duration("interval", s.interval),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.acquireOrRenewLeadership(ctx) {
		return
	}
	if err := s.fireDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("firing due tasks", slog.String("error", err.Error()))
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is the leader.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		}
		return false
	}
	if ok {
		s.logger.Info("acquired scheduler leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	// Already set — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, s.redis,
		[]string{leaderKey},
		s.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil {
			s.logger.Error("leader renewal", slog.String("error", err.Error()))
		}
		return false
	}
	return result == 1
}

func (s *Scheduler) fireDue(ctx context.Context) error {
	due, err := s.loadDue(ctx)
	if err != nil {
		return err
	}
	for _, rt := range due {
		if err := s.fire(ctx, rt); err != nil {
			s.logger.Error("firing recurring task",
				slog.String("name", rt.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Scheduler) loadDue(ctx context.Context) ([]RecurringTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron_expr, task_type, payload, enabled, last_run_at, next_run_at
		FROM recurring_tasks
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST
	`, s.now())
	if err != nil {
		return nil, fmt.Errorf("query recurring_tasks: %w", err)
	}
	defer rows.Close()

	var due []RecurringTask
	for rows.Next() {
		var rt RecurringTask
		if err := rows.Scan(
			&rt.ID, &rt.Name, &rt.CronExpr, &rt.TaskType,
			&rt.Payload, &rt.Enabled, &rt.LastRunAt, &rt.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan recurring_task: %w", err)
		}
		due = append(due, rt)
	}
	return due, rows.Err()
}

func (s *Scheduler) fire(ctx context.Context, rt RecurringTask) error {
	now := s.now()

	// Compute next_run_at first so a bad cron expression fires nothing.
	schedule, err := cron.ParseStandard(rt.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %q: %w", rt.CronExpr, rt.Name, err)
	}
	nextRun := schedule.Next(now)

	task := &domain.Task{
		ID:        uuid.New().String(),
		Type:      rt.TaskType,
		Payload:   rt.Payload,
		CreatedAt: now,
		StartAt:   now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return fmt.Errorf("create task for %q: %w", rt.Name, err)
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE recurring_tasks
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, now, nextRun, rt.ID); err != nil {
		return fmt.Errorf("update recurring_task %q: %w", rt.Name, err)
	}

	telemetry.SchedulerTasksFired.WithLabelValues(rt.TaskType).Inc()
	s.logger.Info("recurring task fired",
		slog.String("name", rt.Name),
		slog.String("task_id", task.ID),
		slog.String("task_type", rt.TaskType),
		slog.Time("next_run", nextRun),
	)
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harleyk/svix-test/internal/domain"
)

// TaskStore abstracts all database access for tasks. Every mutation after
// creation is a single conditional UPDATE: the eligibility or ownership
// predicate is re-evaluated by the database at write time, so two
// concurrent writers can never both succeed on the same task.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, now time.Time, limit int) ([]*domain.Task, error)

	// ClaimNext atomically claims the oldest eligible task for workerID,
	// setting the claim fields and incrementing attempt_count. Returns
	// (nil, nil) when no task is eligible.
	ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*domain.Task, error)

	// Complete, Requeue and Fail are ownership-guarded: they apply only
	// if workerID still holds the claim and the task is not terminal.
	// The bool reports whether the write applied; false means the claim
	// lapsed and another writer owns the task now.
	Complete(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	Requeue(ctx context.Context, id, workerID string, startAt time.Time) (bool, error)
	Fail(ctx context.Context, id, workerID string, now time.Time) (bool, error)

	// SweepExpired fails stale-lease tasks at the attempt ceiling and
	// returns the rest to the eligible pool.
	SweepExpired(ctx context.Context, now time.Time, maxAttempts int) (SweepResult, error)
}

// SweepResult reports what a single sweep pass did.
type SweepResult struct {
	Reclaimed []string
	Failed    []string
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskStore interface.
func NewRepository(pool *pgxpool.Pool) TaskStore {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, type, payload, created_at, start_at, worker_assigned_at,
       claimant_id, lease_expires_at, attempt_count, completed_at, failed_at`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	// A task submitted without a payload arrives here as a nil slice,
	// which pgx encodes as SQL NULL; coalesce to the column default.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, type, payload, created_at, start_at, attempt_count)
		VALUES
			($1, $2, COALESCE($3, '{}'::jsonb), $4, $5, $6)
	`,
		task.ID, task.Type, task.Payload, task.CreatedAt, task.StartAt, task.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, now time.Time, limit int) ([]*domain.Task, error) {
	var cond string
	switch status {
	case domain.StatusCompleted:
		cond = `completed_at IS NOT NULL`
	case domain.StatusFailed:
		cond = `failed_at IS NOT NULL`
	case domain.StatusClaimed:
		cond = `completed_at IS NULL AND failed_at IS NULL
			AND worker_assigned_at IS NOT NULL AND lease_expires_at > $2`
	case domain.StatusScheduled:
		cond = `completed_at IS NULL AND failed_at IS NULL AND start_at > $2`
	case domain.StatusPending:
		cond = `completed_at IS NULL AND failed_at IS NULL AND start_at <= $2
			AND (worker_assigned_at IS NULL OR lease_expires_at <= $2)`
	default:
		return nil, fmt.Errorf("list tasks: unknown status %q", status)
	}

	args := []any{limit}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + cond + ` ORDER BY created_at DESC LIMIT $1`
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		args = append(args, now)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ClaimNext picks the oldest eligible task and claims it in one statement.
// FOR UPDATE SKIP LOCKED makes concurrent claimers skip rows already being
// claimed instead of blocking on them, so each call settles on a different
// candidate.
func (r *repository) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM tasks
			WHERE start_at <= $2
			  AND completed_at IS NULL
			  AND failed_at IS NULL
			  AND (worker_assigned_at IS NULL OR lease_expires_at <= $2)
			ORDER BY start_at ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET
			worker_assigned_at = $2,
			claimant_id        = $1,
			lease_expires_at   = $3,
			attempt_count      = attempt_count + 1
		FROM candidate
		WHERE tasks.id = candidate.id
		RETURNING tasks.id, tasks.type, tasks.payload, tasks.created_at, tasks.start_at,
		          tasks.worker_assigned_at, tasks.claimant_id, tasks.lease_expires_at,
		          tasks.attempt_count, tasks.completed_at, tasks.failed_at
	`, workerID, now, now.Add(lease),
	)

	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil // nothing eligible; not an error
		}
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

func (r *repository) Complete(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET completed_at = $3
		WHERE id = $1
		  AND claimant_id = $2
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, id, workerID, now)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) Requeue(ctx context.Context, id, workerID string, startAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET worker_assigned_at = NULL,
		    claimant_id        = NULL,
		    lease_expires_at   = NULL,
		    start_at           = $3
		WHERE id = $1
		  AND claimant_id = $2
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, id, workerID, startAt)
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) Fail(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET failed_at = $3
		WHERE id = $1
		  AND claimant_id = $2
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, id, workerID, now)
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SweepExpired runs two conditional updates. Each re-checks the full
// stale-lease predicate at write time, so a worker completing a task at
// the same instant wins or loses cleanly; the sweeper never overwrites a
// terminal state.
func (r *repository) SweepExpired(ctx context.Context, now time.Time, maxAttempts int) (SweepResult, error) {
	var res SweepResult

	failed, err := collectIDs(r.pool.Query(ctx, `
		UPDATE tasks
		SET failed_at = $1
		WHERE worker_assigned_at IS NOT NULL
		  AND lease_expires_at <= $1
		  AND completed_at IS NULL
		  AND failed_at IS NULL
		  AND attempt_count >= $2
		RETURNING id
	`, now, maxAttempts))
	if err != nil {
		return res, fmt.Errorf("sweep fail exhausted tasks: %w", err)
	}
	res.Failed = failed

	reclaimed, err := collectIDs(r.pool.Query(ctx, `
		UPDATE tasks
		SET worker_assigned_at = NULL,
		    claimant_id        = NULL,
		    lease_expires_at   = NULL
		WHERE worker_assigned_at IS NOT NULL
		  AND lease_expires_at <= $1
		  AND completed_at IS NULL
		  AND failed_at IS NULL
		  AND attempt_count < $2
		RETURNING id
	`, now, maxAttempts))
	if err != nil {
		return res, fmt.Errorf("sweep reclaim expired tasks: %w", err)
	}
	res.Reclaimed = reclaimed

	return res, nil
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	err := row.Scan(
		&task.ID, &task.Type, &task.Payload, &task.CreatedAt, &task.StartAt,
		&task.WorkerAssignedAt, &task.ClaimantID, &task.LeaseExpiresAt,
		&task.AttemptCount, &task.CompletedAt, &task.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &task, nil
}

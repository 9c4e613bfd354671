package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harleyk/svix-test/internal/domain"
	"github.com/harleyk/svix-test/internal/postgres"
	redisstore "github.com/harleyk/svix-test/internal/redis"
	"github.com/harleyk/svix-test/pkg/telemetry"
)

// REST handles HTTP requests for the API Gateway. The repository is the
// source of truth; the Redis cache only accelerates status reads and may
// be nil.
type REST struct {
	repo    postgres.TaskStore
	cache   redisstore.StateStore
	limiter redisstore.RateLimiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewREST creates a new REST handler. cache and limiter may be nil.
func NewREST(repo postgres.TaskStore, cache redisstore.StateStore, limiter redisstore.RateLimiter, logger *slog.Logger) *REST {
	return &REST{
		repo:    repo,
		cache:   cache,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	StartAt *time.Time      `json:"start_at,omitempty"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	StartAt   time.Time `json:"start_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatusResponse is the GET /tasks/{id} response body.
type TaskStatusResponse struct {
	TaskID      string     `json:"task_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartAt     time.Time  `json:"start_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()

	if h.limiter != nil {
		client := clientIP(r)
		allowed, err := h.limiter.Allow(ctx, client)
		if err != nil {
			// Limiter trouble never blocks submissions.
			h.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.APIRateLimitedTotal.Inc()
			limErr := &domain.RateLimitExceededError{Client: client, Limit: h.limiter.Limit()}
			h.logger.Warn("submission rate limited", slog.String("client", client))
			writeError(w, http.StatusTooManyRequests, limErr.Error())
			return
		}
	}

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		writeError(w, http.StatusBadRequest, "field 'payload' must be valid JSON")
		return
	}

	now := h.now()
	startAt := now
	if req.StartAt != nil {
		startAt = req.StartAt.UTC()
	}

	task := &domain.Task{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Payload:   req.Payload,
		CreatedAt: now,
		StartAt:   startAt,
	}
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	)

	if err := h.repo.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task insert failed")
		h.logger.Error("failed to persist task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}

	// Warm the cache so the first status poll skips Postgres. Best-effort.
	if h.cache != nil {
		if err := h.cache.SetTaskMeta(ctx, task); err != nil {
			h.logger.Debug("cache warm failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		if err := h.cache.SetStatus(ctx, task.ID, task.Status(now)); err != nil {
			h.logger.Debug("cache warm failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}

	telemetry.APITasksSubmitted.WithLabelValues(task.Type).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.Time("start_at", startAt),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status(now)),
		StartAt:   startAt,
		CreatedAt: now,
	})
}

// GetTaskStatus handles GET /api/v1/tasks/{id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	ctx := r.Context()
	var notFound *domain.TaskNotFoundError

	// Fast path: Redis cache.
	var task *domain.Task
	var fromCache bool
	if h.cache != nil {
		cached, err := h.cache.GetTaskMeta(ctx, taskID)
		if err == nil {
			task = cached
			fromCache = true
		} else if !errors.As(err, &notFound) {
			h.logger.Warn("cache read failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}

	// Slow path: Postgres (cache miss, expired TTL, or cache disabled).
	if task == nil {
		var err error
		task, err = h.repo.GetByID(ctx, taskID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			h.logger.Error("postgres error", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "task store unavailable")
			return
		}
	}

	now := h.now()
	status := task.Status(now)
	// The meta entry is frozen at submission time, so overlay the status
	// key that workers keep updated. A row just read from Postgres is
	// authoritative and is never overridden by the cache.
	if fromCache {
		if cached, err := h.cache.GetStatus(ctx, taskID); err == nil {
			status = cached
		}
	}

	resp := TaskStatusResponse{
		TaskID:      task.ID,
		Type:        task.Type,
		Status:      string(status),
		Attempts:    task.AttemptCount,
		CreatedAt:   task.CreatedAt,
		StartAt:     task.StartAt,
		CompletedAt: task.CompletedAt,
		FailedAt:    task.FailedAt,
	}
	if task.CompletedAt != nil {
		resp.DurationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ListTasks handles GET /api/v1/tasks?status=PENDING&limit=50.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case domain.StatusScheduled, domain.StatusPending, domain.StatusClaimed,
		domain.StatusCompleted, domain.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "query param 'status' must be one of SCHEDULED, PENDING, CLAIMED, COMPLETED, FAILED")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "query param 'limit' must be between 1 and 500")
			return
		}
		limit = n
	}

	now := h.now()
	tasks, err := h.repo.ListByStatus(r.Context(), status, now, limit)
	if err != nil {
		h.logger.Error("postgres error", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}

	resp := make([]TaskStatusResponse, 0, len(tasks))
	for _, task := range tasks {
		item := TaskStatusResponse{
			TaskID:      task.ID,
			Type:        task.Type,
			Status:      string(task.Status(now)),
			Attempts:    task.AttemptCount,
			CreatedAt:   task.CreatedAt,
			StartAt:     task.StartAt,
			CompletedAt: task.CompletedAt,
			FailedAt:    task.FailedAt,
		}
		if task.CompletedAt != nil {
			item.DurationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": resp})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity when the cache
// is enabled.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, err := h.cache.GetStatus(ctx, "__readyz__"); err != nil {
			var notFound *domain.TaskNotFoundError
			if !errors.As(err, &notFound) {
				writeError(w, http.StatusServiceUnavailable, "redis not ready")
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

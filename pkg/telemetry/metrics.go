package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the API gateway.",
	}, []string{"type"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total task submissions rejected by the rate limiter.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "worker",
		Name:      "tasks_claimed_total",
		Help:      "Total successful claims.",
	})

	WorkerPollsEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "worker",
		Name:      "polls_empty_total",
		Help:      "Total polls that found no eligible task.",
	})

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total execution attempts, labelled by outcome.",
	}, []string{"outcome"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskqueue",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskqueue",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type"})

	WorkerClaimLapsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "worker",
		Name:      "claim_lapsed_total",
		Help:      "Ownership-guarded writes that found the claim already lapsed.",
	})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "reclaimed_total",
		Help:      "Total stale-lease tasks returned to the eligible pool.",
	})

	SweeperFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "failed_total",
		Help:      "Total stale-lease tasks failed at the attempt ceiling.",
	})

	SweeperErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "errors_total",
		Help:      "Total sweep passes that hit a storage error.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerTasksFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "scheduler",
		Name:      "tasks_fired_total",
		Help:      "Total tasks created from recurring definitions.",
	}, []string{"task_type"})
)

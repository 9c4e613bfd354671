// Package sweeper recovers tasks whose claimants died mid-execution. It
// periodically scans for expired leases, returning tasks below the
// attempt ceiling to the eligible pool and failing the rest.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/harleyk/svix-test/internal/domain"
	"github.com/harleyk/svix-test/internal/events"
	"github.com/harleyk/svix-test/internal/postgres"
	redisstore "github.com/harleyk/svix-test/internal/redis"
	"github.com/harleyk/svix-test/pkg/telemetry"
)

// Sweeper runs the recovery loop. It is safe to run several instances
// against one database: each sweep is a single conditional statement, so
// concurrent sweepers never double-process a task.
type Sweeper struct {
	store       postgres.TaskStore
	cache       redisstore.StateStore // nil = disabled
	events      events.Publisher
	interval    time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option         { return func(s *Sweeper) { s.logger = l } }
func WithInterval(d time.Duration) Option      { return func(s *Sweeper) { s.interval = d } }
func WithMaxAttempts(n int) Option             { return func(s *Sweeper) { s.maxAttempts = n } }
func WithCache(c redisstore.StateStore) Option { return func(s *Sweeper) { s.cache = c } }
func WithEvents(p events.Publisher) Option     { return func(s *Sweeper) { s.events = p } }
func WithClock(now func() time.Time) Option    { return func(s *Sweeper) { s.now = now } }

// NewSweeper constructs a Sweeper with the given store and options.
func NewSweeper(store postgres.TaskStore, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:       store,
		events:      events.NopPublisher{},
		interval:    15 * time.Second,
		maxAttempts: 3,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled. A failed sweep is
// logged and retried on the next tick; the loop never exits on storage
// errors.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started",
		slog.Duration("interval", s.interval),
		slog.Int("max_attempts", s.maxAttempts),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.now()
	res, err := s.store.SweepExpired(ctx, now, s.maxAttempts)
	if err != nil {
		telemetry.SweeperErrorsTotal.Inc()
		if ctx.Err() == nil {
			s.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
		return
	}

	if len(res.Reclaimed) == 0 && len(res.Failed) == 0 {
		return
	}
	s.logger.Info("swept expired leases",
		slog.Int("reclaimed", len(res.Reclaimed)),
		slog.Int("failed", len(res.Failed)),
	)
	telemetry.SweeperReclaimedTotal.Add(float64(len(res.Reclaimed)))
	telemetry.SweeperFailedTotal.Add(float64(len(res.Failed)))

	for _, id := range res.Reclaimed {
		s.cacheStatus(ctx, id, domain.StatusPending)
		s.publish(ctx, events.Reclaimed(id, now))
	}
	for _, id := range res.Failed {
		s.cacheStatus(ctx, id, domain.StatusFailed)
		s.publish(ctx, events.Event{Event: events.TypeFailed, TaskID: id, At: now})
	}
}

func (s *Sweeper) cacheStatus(ctx context.Context, taskID string, status domain.Status) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStatus(ctx, taskID, status); err != nil {
		s.logger.Debug("status cache update failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Sweeper) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Error("event publish failed",
			slog.String("event", ev.Event),
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

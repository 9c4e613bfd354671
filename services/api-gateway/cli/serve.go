package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harleyk/svix-test/internal/postgres"
	redisstore "github.com/harleyk/svix-test/internal/redis"
	"github.com/harleyk/svix-test/pkg/telemetry"
	"github.com/harleyk/svix-test/services/api-gateway/config"
	"github.com/harleyk/svix-test/services/api-gateway/handler"
	"github.com/harleyk/svix-test/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port); empty disables cache and rate limiting")
	serveCmd.Flags().Int("rate-limit", 100, "max task submissions per client per window (0 disables)")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_window", serveCmd.Flags(), "rate-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api-gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	var cache redisstore.StateStore
	var limiter redisstore.RateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		cache = redisstore.NewStateStore(redisClient)
		if cfg.RateLimit > 0 {
			limiter = redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
		}
	}

	restHandler := handler.NewREST(repo, cache, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", restHandler.SubmitTask)
		r.Get("/tasks", restHandler.ListTasks)
		r.Get("/tasks/{id}", restHandler.GetTaskStatus)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// Package main is the entrypoint for the enrichd API server and its worker pool.
package main

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

	"github.com/profilekit/enrichd/internal/api"
	"github.com/profilekit/enrichd/internal/api/handler"
	mw "github.com/profilekit/enrichd/internal/api/middleware"
	"github.com/profilekit/enrichd/internal/breaker"
	"github.com/profilekit/enrichd/internal/config"
	"github.com/profilekit/enrichd/internal/embed"
	"github.com/profilekit/enrichd/internal/enrich"
	"github.com/profilekit/enrichd/internal/jobstore"
	"github.com/profilekit/enrichd/internal/metrics"
	"github.com/profilekit/enrichd/internal/store"
	"github.com/profilekit/enrichd/internal/transform"
	"github.com/profilekit/enrichd/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"workers", cfg.Jobs.Concurrency,
		"embedding_enabled", cfg.Embed.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create job store
	jobs, err := jobstore.NewRedisStore(cfg.Redis.URL, cfg.Jobs.TTL, cfg.Jobs.DedupeTTL)
	if err != nil {
		return fmt.Errorf("create job store: %w", err)
	}
	defer jobs.Close()

	if err := jobs.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Metrics and circuit breakers
	recorder := metrics.NewRecorder()
	onBreakerChange := func(name, state string) {
		recorder.BreakerState(context.Background(), name, state)
		slog.Warn("breaker state changed", "breaker", name, "state", state)
	}
	transformBreaker := breaker.New("transformer",
		cfg.Breaker.Threshold, cfg.Breaker.Cooldown,
		breaker.WithStateChange(onBreakerChange))
	embedBreaker := breaker.New("embedding",
		cfg.Breaker.Threshold, cfg.Breaker.Cooldown,
		breaker.WithStateChange(onBreakerChange))

	retryPolicy := breaker.Policy{
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	}

	// 6. External dependencies
	invoker := transform.NewSubprocess(cfg.Transform)
	embedder := embed.NewHTTPClient(cfg.Embed, retryPolicy, embedBreaker)
	pgStore := store.NewPostgresStore(pool)

	// 7. Worker pool
	transformRetry := retryPolicy
	transformRetry.Limit = cfg.Transform.RetryLimit
	processor := worker.NewProcessor(jobs, invoker, embedder, pgStore,
		recorder, transformBreaker, transformRetry)
	workers := worker.NewPool(processor, jobs, recorder,
		cfg.Jobs.Concurrency, cfg.Jobs.QueuePopTimeout,
		worker.WithDedicatedConns(func() jobstore.Store { return jobs.Dedicated() }))
	workers.Start()

	// 8. Service facade and router
	svc := enrich.NewService(jobs, pgStore, recorder, cfg.Enrich,
		transformBreaker, embedBreaker)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(jobs, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(svc),
		EnrichHandler: handler.NewEnrichHandler(svc),
		StatusHandler: handler.NewStatusHandler(svc),
		StatsHandler:  handler.NewStatsHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop intake first, then let in-flight jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("worker pool shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// jobs-service is the HTTP control plane for EEMT worker jobs.
package main

import (
	"context"
	"eemt-orchestrator/internal/api"
	"eemt-orchestrator/internal/artifact"
	"eemt-orchestrator/internal/config"
	"eemt-orchestrator/internal/health"
	"eemt-orchestrator/internal/observability"
	"eemt-orchestrator/internal/orchestrator"
	"eemt-orchestrator/internal/progress"
	"eemt-orchestrator/internal/retention"
	"eemt-orchestrator/internal/runtime/docker"
	"eemt-orchestrator/internal/store"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	// Load configuration
	orchCfg, err := orchestrator.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	retentionCfg := retention.LoadConfigFromEnv()
	if err := retentionCfg.Policy.Validate(); err != nil {
		return fmt.Errorf("retention policy: %w", err)
	}
	patterns, err := progress.LoadPatterns(config.GetEnv("PROGRESS_PATTERNS_FILE", ""))
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	jobStore, err := store.Open(ctx, store.LoadConfigFromEnv(svcCfg.DataDir))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()

	artifacts, err := artifact.NewManager(artifact.LoadConfigFromEnv(svcCfg.DataDir))
	if err != nil {
		return err
	}

	rt, err := docker.New(docker.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		slog.Warn("Docker daemon not reachable yet", "error", err)
	} else {
		slog.Info("Connected to Docker daemon")
	}

	// Fails jobs orphaned by a previous process before serving traffic
	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Store:     jobStore,
		Artifacts: artifacts,
		Runtime:   rt,
		Monitor: progress.NewMonitor(progress.Config{
			Store:    jobStore,
			Runtime:  rt,
			Logs:     artifacts,
			Patterns: patterns,
			Metrics:  metrics,
		}),
		Metrics: metrics,
		Config:  orchCfg,
	})
	if err != nil {
		return err
	}

	deps := []health.Dependency{
		{Name: "runtime", Checker: health.ReadinessFunc(rt.Ping)},
		{Name: "store", Checker: health.ReadinessFunc(jobStore.Ping)},
	}

	// Cleanup is serialized across processes when Redis is configured
	var locker retention.Locker = retention.NewLocalLocker()
	if retentionCfg.RedisURL != "" {
		redisLocker, err := retention.NewRedisLocker(retention.RedisConfig{URL: retentionCfg.RedisURL, TTL: retentionCfg.LockTTL})
		if err != nil {
			return fmt.Errorf("cleanup lock: %w", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
		deps = append(deps, health.Dependency{Name: "cleanup_lock", Checker: health.ReadinessFunc(redisLocker.Ping), Optional: true})
		slog.Info("Using Redis cleanup lock")
	}

	engine := retention.NewEngine(retention.Options{
		Store:     jobStore,
		Artifacts: artifacts,
		Locker:    locker,
		Metrics:   metrics,
	})

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		retention.NewScheduler(engine, retentionCfg.Policy, retentionCfg.Interval).Run(schedCtx)
	}()

	// Create health checker
	healthChecker := health.NewChecker(deps...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Orchestrator:  orch,
		Cleanup:       engine,
		CleanupPolicy: retentionCfg.Policy,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		MaxUploadSize: artifacts.MaxUploadSize(),
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Uploads and result archives are large, so there is no write timeout
	// and only the headers are bounded on read.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		runErr = err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if runErr == nil && svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	stopScheduler()
	<-schedulerDone

	// Phase 3: Stop executing jobs. Each is recorded as failed and its
	// worker container is removed.
	slog.Info("Stopping executing jobs", "active", orch.Active())
	closeCtx, closeCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer closeCancel()
	if err := orch.Close(closeCtx); err != nil {
		slog.Warn("Orchestrator shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}

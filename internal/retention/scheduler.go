package retention

import (
	"context"
	"eemt-orchestrator/internal/config"
	"log/slog"
	"time"
)

// Config holds retention configuration.
type Config struct {
	Policy   Policy
	Interval time.Duration // time between scheduled passes, 0 disables them
	RedisURL string        // enables the cross-process cleanup lock
	LockTTL  time.Duration
}

// LoadConfigFromEnv loads retention configuration from environment variables.
// SUCCESS_RETENTION and FAILED_RETENTION take Go durations; the day and hour
// counts EEMT_SUCCESS_RETENTION_DAYS and EEMT_FAILED_RETENTION_HOURS are
// used when the duration forms are unset.
func LoadConfigFromEnv() Config {
	def := DefaultPolicy()

	success := time.Duration(config.GetIntEnv("EEMT_SUCCESS_RETENTION_DAYS", int(def.SuccessRetention/(24*time.Hour)))) * 24 * time.Hour
	failed := time.Duration(config.GetIntEnv("EEMT_FAILED_RETENTION_HOURS", int(def.FailedRetention/time.Hour))) * time.Hour

	return Config{
		Policy: Policy{
			SuccessRetention: config.GetDurationEnv("SUCCESS_RETENTION", success),
			FailedRetention:  config.GetDurationEnv("FAILED_RETENTION", failed),
			DryRun:           config.GetBoolEnv("EEMT_DRY_RUN", false),
		},
		Interval: config.GetDurationEnv("CLEANUP_INTERVAL", time.Hour),
		RedisURL: config.GetEnv("REDIS_URL", ""),
		LockTTL:  config.GetDurationEnv("CLEANUP_LOCK_TTL", 30*time.Minute),
	}
}

// Scheduler runs cleanup passes on a fixed interval.
type Scheduler struct {
	engine   *Engine
	policy   Policy
	interval time.Duration
}

// NewScheduler creates a scheduler running policy every interval.
func NewScheduler(engine *Engine, policy Policy, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, policy: policy, interval: interval}
}

// Run blocks, running a pass on every tick until ctx ends. A non-positive
// interval returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		slog.Info("Scheduled cleanup disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	logger := slog.With("component", "scheduler")

	report, err := s.engine.RunCleanup(ctx, s.policy)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Scheduled cleanup failed", "error", err)
		}
		return
	}
	if !report.Empty() {
		logger.Info("Scheduled cleanup reclaimed data",
			"jobs", report.Total(), "bytesFreed", report.BytesFreed, "errors", len(report.Errors))
	}
}

package docker

import (
	"eemt-orchestrator/internal/config"
	"time"
)

// Config holds Docker adapter configuration.
type Config struct {
	PullImage    bool          // Pull missing images instead of failing the launch
	PullAttempts int           // Attempts per pull (default 3)
	StopTimeout  time.Duration // Grace period before SIGKILL (default 10s)

	// Consecutive failed launches before launches are rejected outright,
	// and how long they stay rejected.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LoadConfigFromEnv loads Docker adapter configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		PullImage:    config.GetBoolEnv("WORKER_PULL_IMAGE", false),
		PullAttempts: config.GetIntEnv("WORKER_PULL_ATTEMPTS", 3),
		StopTimeout:  config.GetDurationEnv("STOP_TIMEOUT", 10*time.Second),

		BreakerThreshold: config.GetIntEnv("LAUNCH_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("LAUNCH_BREAKER_COOLDOWN", 30*time.Second),
	}
}

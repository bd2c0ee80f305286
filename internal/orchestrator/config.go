package orchestrator

import (
	"eemt-orchestrator/internal/config"
	"eemt-orchestrator/internal/runtime"
	"fmt"
	"time"
)

// Config holds orchestrator configuration.
type Config struct {
	WorkerImage     string        // Image every worker container runs
	WorkerMemory    int64         // Memory limit per worker in bytes, 0 for none
	JobTimeout      time.Duration // Maximum wall time of one job (default 24h)
	TeardownTimeout time.Duration // Budget for stopping and removing a worker (default 30s)
}

func (c Config) withDefaults() Config {
	if c.WorkerImage == "" {
		c.WorkerImage = "eemt:ubuntu24.04"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 24 * time.Hour
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	return c
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	memory, err := runtime.ParseMemory(config.GetEnv("WORKER_MEMORY_LIMIT", "8g"))
	if err != nil {
		return Config{}, fmt.Errorf("WORKER_MEMORY_LIMIT: %w", err)
	}
	return Config{
		WorkerImage:     config.GetEnv("WORKER_IMAGE", "eemt:ubuntu24.04"),
		WorkerMemory:    memory,
		JobTimeout:      config.GetDurationEnv("JOB_TIMEOUT", 24*time.Hour),
		TeardownTimeout: config.GetDurationEnv("TEARDOWN_TIMEOUT", 30*time.Second),
	}, nil
}

// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Upper bound for stopping in-flight jobs on exit
	LogLevel          slog.Level
	DataDir           string // Root of uploads/, results/, temp/ and cache/
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:          ParseLogLevel(GetEnv("LOG_LEVEL", "info")),
		DataDir:           DataDir(),
	}
}

// DataDir returns the absolute data directory shared by every binary.
func DataDir() string {
	dir := GetEnv("DATA_DIR", "./data")
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// Package store implements job.Store backends: an in-memory map for tests and
// single-shot tools, SQLite as the default embedded database, and PostgreSQL
// for deployments that share the job table between processes.
package store

import (
	"context"
	"eemt-orchestrator/internal/config"
	"eemt-orchestrator/internal/job"
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	MaxConns    int32
}

// LoadConfigFromEnv loads store configuration from environment variables.
func LoadConfigFromEnv(dataDir string) Config {
	return Config{
		Driver:      config.GetEnv("STORE_DRIVER", DriverSQLite),
		SQLitePath:  config.GetEnv("SQLITE_PATH", filepath.Join(dataDir, "jobs.db")),
		DatabaseURL: config.GetEnv("DATABASE_URL", ""),
		MaxConns:    int32(config.GetIntEnv("DATABASE_MAX_CONNS", 10)),
	}
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config) (job.Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		return OpenPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func encodeParameters(p job.Parameters) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(data), nil
}

func decodeParameters(data []byte) (job.Parameters, error) {
	p := job.Parameters{}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return p, nil
}

package main

import (
	"context"
	"eemt-orchestrator/internal/artifact"
	"eemt-orchestrator/internal/config"
	"eemt-orchestrator/internal/job"
	"eemt-orchestrator/internal/store"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli holds what every subcommand shares once the root has initialized.
type cli struct {
	v         *viper.Viper
	store     job.Store
	artifacts *artifact.Manager
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect EEMT jobs and reclaim their data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.store == nil {
				return nil
			}
			return c.store.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("data-dir", "./data", "data directory shared with jobs-service")
	flags.String("store-driver", store.DriverSQLite, "job store backend (sqlite, postgres, memory)")
	flags.String("sqlite-path", "", "SQLite database file (default <data-dir>/jobs.db)")
	flags.String("database-url", "", "PostgreSQL connection URL")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")

	c.bind(root, "data_dir", "data-dir", "DATA_DIR")
	c.bind(root, "store_driver", "store-driver", "STORE_DRIVER")
	c.bind(root, "sqlite_path", "sqlite-path", "SQLITE_PATH")
	c.bind(root, "database_url", "database-url", "DATABASE_URL")
	c.bind(root, "log_level", "log-level", "LOG_LEVEL")

	root.AddCommand(newCleanupCmd(c), newJobsCmd(c))
	return root
}

// bind makes key resolve from the flag when set, then from env, then from
// the flag default.
func (c *cli) bind(cmd *cobra.Command, key, flag, env string) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	_ = c.v.BindPFlag(key, f)
	_ = c.v.BindEnv(key, env)
}

func (c *cli) open(ctx context.Context) error {
	level := config.ParseLogLevel(c.v.GetString("log_level"))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dataDir, err := filepath.Abs(c.v.GetString("data_dir"))
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	sqlitePath := c.v.GetString("sqlite_path")
	if sqlitePath == "" {
		sqlitePath = filepath.Join(dataDir, "jobs.db")
	}

	c.store, err = store.Open(ctx, store.Config{
		Driver:      c.v.GetString("store_driver"),
		SQLitePath:  sqlitePath,
		DatabaseURL: c.v.GetString("database_url"),
		MaxConns:    2,
	})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	c.artifacts, err = artifact.NewManager(artifact.Config{DataDir: dataDir})
	if err != nil {
		_ = c.store.Close()
		c.store = nil
		return err
	}
	return nil
}

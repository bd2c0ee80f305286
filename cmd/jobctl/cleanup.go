package main

import (
	"eemt-orchestrator/internal/retention"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// errCleanupFailed makes jobctl exit non-zero once the report, which already
// lists the failures, has been printed.
var errCleanupFailed = errors.New("cleanup finished with errors")

const noLockWarning = "warning: no Redis lock configured; this pass is not serialized with a running jobs-service"

func newCleanupCmd(c *cli) *cobra.Command {
	env := retention.LoadConfigFromEnv()

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim the data of finished jobs past their retention period",
		Long: `Deletes the uploads, results and scratch directories of completed jobs older
than --success-retention and failed jobs older than --failed-retention. Job
records are kept and marked as reclaimed. Use --dry-run to preview.

Passes are serialized across processes only through Redis. Without
--redis-url (or REDIS_URL) this command takes a lock local to itself and may
run alongside the jobs-service scheduler on the same store; point both at
the same Redis when they share a database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy := retention.Policy{
				SuccessRetention: c.v.GetDuration("success_retention"),
				FailedRetention:  c.v.GetDuration("failed_retention"),
				DryRun:           c.v.GetBool("dry_run"),
			}

			var locker retention.Locker
			if url := c.v.GetString("redis_url"); url != "" {
				redisLocker, err := retention.NewRedisLocker(retention.RedisConfig{URL: url, TTL: env.LockTTL})
				if err != nil {
					return err
				}
				defer redisLocker.Close()
				locker = redisLocker
			} else if !policy.DryRun {
				fmt.Fprintln(cmd.ErrOrStderr(), noLockWarning)
			}

			engine := retention.NewEngine(retention.Options{
				Store:     c.store,
				Artifacts: c.artifacts,
				Locker:    locker,
			})
			report, err := engine.RunCleanup(cmd.Context(), policy)
			if report == nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)

			if dir := c.v.GetString("summary_dir"); dir != "" {
				path, werr := retention.WriteSummary(dir, report)
				if werr != nil {
					return werr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Summary written to %s\n", path)
			}
			if err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return errCleanupFailed
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Bool("dry-run", env.Policy.DryRun, "report what would be reclaimed without deleting anything")
	flags.Duration("success-retention", env.Policy.SuccessRetention, "keep completed jobs' data this long")
	flags.Duration("failed-retention", env.Policy.FailedRetention, "keep failed jobs' data this long")
	flags.String("summary-dir", "", "write a JSON cleanup summary into this directory")
	flags.String("redis-url", env.RedisURL, "Redis server for the cross-process cleanup lock")

	c.bind(cmd, "dry_run", "dry-run", "EEMT_DRY_RUN")
	c.bind(cmd, "success_retention", "success-retention", "SUCCESS_RETENTION")
	c.bind(cmd, "failed_retention", "failed-retention", "FAILED_RETENTION")
	c.bind(cmd, "summary_dir", "summary-dir", "CLEANUP_SUMMARY_DIR")
	c.bind(cmd, "redis_url", "redis-url", "REDIS_URL")

	return cmd
}

func printReport(w io.Writer, report *retention.Report) {
	verb := "Reclaimed"
	if report.DryRun {
		verb = "Would reclaim"
	}

	if len(report.Jobs) > 0 {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Job ID", "Kind", "Status", "Finished", "Age", "Size"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, j := range report.Jobs {
			table.Append([]string{
				j.ID,
				string(j.Kind),
				string(j.Status),
				j.CompletedAt.Format(time.RFC3339),
				j.Age,
				units.HumanSize(float64(j.Bytes)),
			})
		}
		table.Render()
	}

	fmt.Fprintf(w, "%s %d jobs (%s) using retention success=%s failed=%s\n",
		verb, report.Total(), units.HumanSize(float64(report.BytesFreed)),
		report.Policy.SuccessRetention, report.Policy.FailedRetention)
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  error: job %s: %s\n", e.JobID, e.Error)
	}
}

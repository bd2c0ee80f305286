package main

import (
	"eemt-orchestrator/internal/job"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newJobsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect job records",
	}
	cmd.AddCommand(newJobsListCmd(c), newJobsGetCmd(c))
	return cmd
}

func newJobsListCmd(c *cli) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := job.ListFilter{Limit: limit}
			if status != "" {
				st, err := job.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}

			jobs, err := c.store.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status (pending, running, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "l", job.DefaultListLimit, "maximum number of jobs to show")
	return cmd
}

func newJobsGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print one job record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := c.store.Get(cmd.Context(), args[0])
			if errors.Is(err, job.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}

func printJobs(w io.Writer, jobs []*job.Job) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Kind", "Status", "Progress", "Created", "Finished", "Data"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, j := range jobs {
		finished := "-"
		if j.CompletedAt != nil {
			finished = j.CompletedAt.Format(time.RFC3339)
		}
		data := "kept"
		if j.Reclaimed() {
			data = "reclaimed"
		}
		table.Append([]string{
			j.ID,
			string(j.Kind),
			string(j.Status),
			strconv.Itoa(j.Progress) + "%",
			j.CreatedAt.Format(time.RFC3339),
			finished,
			data,
		})
	}
	table.Render()
}

// Package retention reclaims the artifact data of finished jobs once they
// are older than a retention policy. Job records are never deleted.
package retention

import (
	"context"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/job"
	"eemt-orchestrator/internal/observability"
	"errors"
	"log/slog"
	"time"
)

// LockName serializes cleanup passes, across processes when the locker is
// distributed.
const LockName = "cleanup"

// Policy selects which finished jobs are reclaimed.
type Policy struct {
	SuccessRetention time.Duration
	FailedRetention  time.Duration
	DryRun           bool
}

// DefaultPolicy keeps successful jobs for 7 days and failed jobs for 12 hours.
func DefaultPolicy() Policy {
	return Policy{
		SuccessRetention: 7 * 24 * time.Hour,
		FailedRetention:  12 * time.Hour,
	}
}

// Validate rejects negative retention periods.
func (p Policy) Validate() error {
	if p.SuccessRetention < 0 {
		return apperrors.Validation("successRetention", "successRetention must not be negative")
	}
	if p.FailedRetention < 0 {
		return apperrors.Validation("failedRetention", "failedRetention must not be negative")
	}
	return nil
}

// Eligible reports whether j's data may be reclaimed at now. Jobs that are
// not terminal, or already reclaimed, never are.
func (p Policy) Eligible(j *job.Job, now time.Time) bool {
	if j.Reclaimed() {
		return false
	}
	switch j.Status {
	case job.StatusCompleted:
		return j.Age(now) >= p.SuccessRetention
	case job.StatusFailed:
		return j.Age(now) >= p.FailedRetention
	default:
		return false
	}
}

// Artifacts measures and deletes a job's artifact data.
type Artifacts interface {
	Size(id string) (int64, error)
	Reclaim(id string) (int64, error)
}

// ReclaimedJob is one job handled by a cleanup pass.
type ReclaimedJob struct {
	ID          string     `json:"id"`
	Kind        job.Kind   `json:"kind"`
	Status      job.Status `json:"status"`
	CompletedAt time.Time  `json:"completedAt"`
	Age         string     `json:"age"`
	Bytes       int64      `json:"bytes"`
}

// JobError is a failure isolated to one job.
type JobError struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// Report summarizes a cleanup pass. In a dry run, Jobs, Cleaned and
// BytesFreed describe what would have been reclaimed.
type Report struct {
	DryRun     bool               `json:"dryRun"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
	Policy     PolicySummary      `json:"policy"`
	Cleaned    map[job.Status]int `json:"jobsCleaned"`
	BytesFreed int64              `json:"bytesFreed"`
	Jobs       []ReclaimedJob     `json:"jobs"`
	Errors     []JobError         `json:"errors"`
}

// PolicySummary is the policy as reported, with readable durations.
type PolicySummary struct {
	SuccessRetention string `json:"successRetention"`
	FailedRetention  string `json:"failedRetention"`
}

// Empty reports whether the pass touched nothing and hit no errors.
func (r *Report) Empty() bool {
	return len(r.Jobs) == 0 && len(r.Errors) == 0
}

// Total returns the number of jobs reclaimed across statuses.
func (r *Report) Total() int {
	n := 0
	for _, c := range r.Cleaned {
		n += c
	}
	return n
}

// Engine runs cleanup passes.
type Engine struct {
	store     job.Store
	artifacts Artifacts
	locker    Locker
	metrics   *observability.Metrics
	now       func() time.Time
}

// Options wires an Engine.
type Options struct {
	Store     job.Store
	Artifacts Artifacts
	Locker    Locker // defaults to a LocalLocker
	Metrics   *observability.Metrics
	Clock     func() time.Time
}

// NewEngine creates a cleanup engine.
func NewEngine(opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:     opts.Store,
		artifacts: opts.Artifacts,
		locker:    opts.Locker,
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}
}

// RunCleanup reclaims the data of every finished job older than the
// policy allows. Passes never overlap. A failure on one job is recorded in
// the report and does not stop the pass; running it again with no newly
// eligible jobs yields an empty report.
func (e *Engine) RunCleanup(ctx context.Context, p Policy) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, LockName)
	if err != nil {
		return nil, apperrors.Internal("retention.lock", err)
	}
	defer unlock()

	logger := slog.With("component", "retention", "dryRun", p.DryRun)
	report := &Report{
		DryRun:    p.DryRun,
		StartedAt: e.now().UTC(),
		Policy: PolicySummary{
			SuccessRetention: p.SuccessRetention.String(),
			FailedRetention:  p.FailedRetention.String(),
		},
		Cleaned: make(map[job.Status]int),
		Jobs:    []ReclaimedJob{},
		Errors:  []JobError{},
	}

	candidates, err := e.store.ListReclaimable(ctx)
	if err != nil {
		return nil, apperrors.Storage("store.listReclaimable", err)
	}

	now := e.now()
	for _, j := range candidates {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, logger, report), err
		}
		if !p.Eligible(j, now) {
			continue
		}
		if p.DryRun {
			e.preview(report, j, now)
			continue
		}
		e.reclaim(ctx, logger, report, j, now)
	}

	return e.finish(ctx, logger, report), nil
}

func (e *Engine) preview(report *Report, j *job.Job, now time.Time) {
	size, err := e.artifacts.Size(j.ID)
	if err != nil {
		report.Errors = append(report.Errors, JobError{JobID: j.ID, Error: err.Error()})
		return
	}
	report.add(j, now, size)
}

// reclaim deletes one job's data, then marks the record. The mark is a
// conditional update, so a job reclaimed meanwhile by another process is
// skipped rather than counted twice.
func (e *Engine) reclaim(ctx context.Context, logger *slog.Logger, report *Report, j *job.Job, now time.Time) {
	freed, err := e.artifacts.Reclaim(j.ID)
	if err != nil {
		logger.Warn("Failed to delete job data", "jobId", j.ID, "error", err)
		report.Errors = append(report.Errors, JobError{JobID: j.ID, Error: err.Error()})
		return
	}

	_, err = e.store.Update(ctx, j.ID, func(cur *job.Job) error {
		return cur.MarkReclaimed(now)
	})
	switch {
	case errors.Is(err, job.ErrAlreadyReclaimed):
		logger.Debug("Job already reclaimed", "jobId", j.ID)
		return
	case err != nil:
		logger.Warn("Failed to mark job reclaimed", "jobId", j.ID, "error", err)
		report.Errors = append(report.Errors, JobError{JobID: j.ID, Error: err.Error()})
		return
	}

	report.add(j, now, freed)
	logger.Info("Reclaimed job data", "jobId", j.ID, "status", j.Status, "bytes", freed)
}

func (r *Report) add(j *job.Job, now time.Time, bytes int64) {
	var completedAt time.Time
	if j.CompletedAt != nil {
		completedAt = *j.CompletedAt
	}
	r.Jobs = append(r.Jobs, ReclaimedJob{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		CompletedAt: completedAt,
		Age:         j.Age(now).Round(time.Second).String(),
		Bytes:       bytes,
	})
	r.Cleaned[j.Status]++
	r.BytesFreed += bytes
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, report *Report) *Report {
	report.FinishedAt = e.now().UTC()

	reclaimed := make(map[string]int, len(report.Cleaned))
	for status, n := range report.Cleaned {
		reclaimed[string(status)] = n
	}
	e.metrics.RecordCleanup(ctx, report.DryRun, reclaimed, report.BytesFreed, len(report.Errors))

	logger.Info("Cleanup complete",
		"completed", report.Cleaned[job.StatusCompleted],
		"failed", report.Cleaned[job.StatusFailed],
		"bytesFreed", report.BytesFreed,
		"errors", len(report.Errors),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report
}

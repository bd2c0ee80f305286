package orchestrator

import (
	"context"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/artifact"
	"eemt-orchestrator/internal/job"
	"eemt-orchestrator/internal/progress"
	"eemt-orchestrator/internal/runtime"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Labels set on worker containers in addition to the managed-by label.
const (
	LabelJobID   = "job.id"
	LabelJobKind = "job.kind"
)

// Metric reasons for failed jobs.
const (
	reasonStorage   = "storage"
	reasonLaunch    = "launch"
	reasonExecution = "execution"
	reasonTimeout   = "timeout"
	reasonCancelled = "cancelled"
	reasonShutdown  = "shutdown"
)

// outcome is the terminal state a task settles on.
type outcome struct {
	status job.Status
	detail string
	reason string
}

func completed() outcome { return outcome{status: job.StatusCompleted} }

func failed(detail, reason string) outcome {
	return outcome{status: job.StatusFailed, detail: detail, reason: reason}
}

// execute is the body of a job's task. The job is finalized exactly once,
// and the worker is torn down on every path.
func (o *Orchestrator) execute(ctx context.Context, j *job.Job) {
	logger := slog.With("jobId", j.ID, "kind", j.Kind)
	start := o.now()

	defer o.inflight.release(j.ID)

	var h runtime.Handle
	defer func() { o.teardown(logger, h) }()

	out := o.run(ctx, logger, j, &h)
	o.finalize(ctx, logger, j, out, o.now().Sub(start))
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, j *job.Job, h *runtime.Handle) outcome {
	// Status writes belong to this task and must land even after cancellation.
	storeCtx := context.WithoutCancel(ctx)

	started, err := o.store.Update(storeCtx, j.ID, func(cur *job.Job) error {
		return cur.Start(o.now())
	})
	if err != nil {
		logger.Error("Failed to start job", "error", err)
		return failed(fmt.Sprintf("start job: %v", err), reasonStorage)
	}
	*j = *started
	logger.Info("Job started")

	// The time limit covers the launch, including image pulls, as well as
	// the run itself.
	ctx, cancel := context.WithTimeoutCause(ctx, o.cfg.JobTimeout, apperrors.Timeout(o.cfg.JobTimeout))
	defer cancel()

	if ctx.Err() != nil {
		return interrupted(ctx)
	}

	paths, err := o.artifacts.Allocate(j.ID)
	if err != nil {
		logger.Error("Failed to allocate workspace", "error", err)
		return failed(err.Error(), reasonStorage)
	}

	handle, err := o.runtime.Launch(ctx, o.launchSpec(j, paths))
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		logger.Error("Failed to launch worker", "error", err)
		return failed(err.Error(), reasonLaunch)
	}
	*h = handle
	logger = logger.With("containerId", handle.ID)

	if _, err := o.store.Update(storeCtx, j.ID, func(cur *job.Job) error {
		cur.ContainerRef = handle.ID
		return nil
	}); err != nil {
		logger.Warn("Failed to record container reference", "error", err)
	}
	logger.Info("Worker launched", "image", o.cfg.WorkerImage)

	res, err := o.monitor.Watch(ctx, handle, j.ID, j.Kind)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		logger.Error("Lost track of worker", "error", err)
		return failed(fmt.Sprintf("monitor worker: %v", err), reasonExecution)
	}
	logger.Info("Worker exited", "exitCode", res.ExitCode, "lines", res.Lines)

	if res.ExitCode != 0 {
		return failed(exitDetail(res), reasonExecution)
	}
	return completed()
}

// interrupted maps the cause of a cancelled task context to an outcome.
func interrupted(ctx context.Context) outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, apperrors.ErrTimeout):
		return failed(cause.Error(), reasonTimeout)
	case errors.Is(cause, errCancelled):
		return failed(job.CancelledDetail, reasonCancelled)
	case errors.Is(cause, errShuttingDown):
		return failed(shutdownDetail, reasonShutdown)
	default:
		return failed(cause.Error(), reasonExecution)
	}
}

func exitDetail(res progress.Result) string {
	if res.LastLine == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, truncateLine(res.LastLine, maxDetailLine))
}

// truncateLine makes worker output safe to store: invalid UTF-8 is replaced
// and the result is cut to at most n bytes on a rune boundary.
func truncateLine(line string, n int) string {
	line = strings.ToValidUTF8(line, "\uFFFD")
	if len(line) <= n {
		return line
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "..."
}

// finalize writes the terminal status. A job that never left pending is
// started first so it still passes through running.
func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, j *job.Job, out outcome, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
	defer cancel()

	_, err := o.store.Update(ctx, j.ID, func(cur *job.Job) error {
		now := o.now()
		if cur.Status == job.StatusPending {
			if err := cur.Start(now); err != nil {
				return err
			}
		}
		if out.status == job.StatusCompleted {
			return cur.Complete(now)
		}
		return cur.Fail(now, strings.ToValidUTF8(out.detail, "\uFFFD"))
	})
	o.metrics.RecordJobFinished(ctx, string(j.Kind), string(out.status), out.reason, elapsed.Seconds())

	if err != nil {
		logger.Error("Failed to finalize job", "status", out.status, "error", err)
		return
	}
	if out.status == job.StatusCompleted {
		logger.Info("Job completed", "duration", elapsed)
		return
	}
	logger.Warn("Job failed", "detail", out.detail, "reason", out.reason, "duration", elapsed)
}

// teardown stops and removes the worker with a context of its own, so it
// runs even when the task was cancelled.
func (o *Orchestrator) teardown(logger *slog.Logger, h runtime.Handle) {
	if h.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()

	if err := o.runtime.Stop(ctx, h); err != nil {
		logger.Warn("Failed to stop worker", "containerId", h.ID, "error", err)
	}
	if err := o.runtime.Remove(ctx, h); err != nil {
		logger.Warn("Failed to remove worker", "containerId", h.ID, "error", err)
		return
	}
	logger.Debug("Worker removed", "containerId", h.ID)
}

// launchSpec builds the worker container for a job from its kind's template.
func (o *Orchestrator) launchSpec(j *job.Job, paths artifact.Paths) runtime.Spec {
	spec, _ := job.Lookup(j.Kind)
	tmpl := spec.Template(j, artifact.InputName(j.InputRef))

	env := make(map[string]string, len(tmpl.Env))
	for _, kv := range tmpl.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	return runtime.Spec{
		Name:       "eemt-job-" + j.ID,
		Image:      o.cfg.WorkerImage,
		Command:    tmpl.Command,
		Env:        env,
		WorkingDir: job.OutputMount,
		Mounts: []runtime.Mount{
			{HostPath: paths.Input, ContainerPath: job.InputMount, ReadOnly: true},
			{HostPath: paths.Output, ContainerPath: job.OutputMount},
			{HostPath: paths.Temp, ContainerPath: job.TempMount},
			{HostPath: paths.Cache, ContainerPath: job.CacheMount},
		},
		CPUs:        j.Parameters.Threads(),
		MemoryBytes: o.cfg.WorkerMemory,
		Labels: map[string]string{
			LabelJobID:   j.ID,
			LabelJobKind: string(j.Kind),
		},
	}
}

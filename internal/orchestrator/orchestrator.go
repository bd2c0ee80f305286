// Package orchestrator accepts job submissions and drives each job through
// its lifecycle: workspace allocation, worker launch, progress monitoring,
// finalization and teardown.
package orchestrator

import (
	"context"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/artifact"
	"eemt-orchestrator/internal/job"
	"eemt-orchestrator/internal/observability"
	"eemt-orchestrator/internal/progress"
	"eemt-orchestrator/internal/runtime"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Failure details recorded on jobs that did not run to completion.
const (
	shutdownDetail = "orchestrator shutting down"
	restartDetail  = "orchestrator restarted"
)

var (
	errCancelled    = errors.New(job.CancelledDetail)
	errShuttingDown = errors.New(shutdownDetail)
)

// maxDetailLine bounds the worker output quoted in a failure detail.
const maxDetailLine = 500

// Orchestrator runs jobs. Each accepted job gets its own goroutine; the
// store is the source of truth for status and progress.
type Orchestrator struct {
	store     job.Store
	artifacts *artifact.Manager
	runtime   runtime.Runtime
	monitor   *progress.Monitor
	metrics   *observability.Metrics
	cfg       Config
	now       func() time.Time

	inflight *registry
	baseCtx  context.Context
	stopAll  context.CancelCauseFunc

	mu      sync.Mutex
	closed  bool
	tasksWg sync.WaitGroup
}

// Options wires an Orchestrator.
type Options struct {
	Store     job.Store
	Artifacts *artifact.Manager
	Runtime   runtime.Runtime
	Monitor   *progress.Monitor // defaults to a monitor over Store and Runtime
	Metrics   *observability.Metrics
	Config    Config
	Clock     func() time.Time // defaults to time.Now
}

// New creates an orchestrator. Jobs left pending or running by a previous
// process are failed before New returns.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Artifacts == nil {
		return nil, fmt.Errorf("artifact manager is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Monitor == nil {
		opts.Monitor = progress.NewMonitor(progress.Config{
			Store:   opts.Store,
			Runtime: opts.Runtime,
			Logs:    opts.Artifacts,
			Metrics: opts.Metrics,
		})
	}

	baseCtx, stopAll := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		store:     opts.Store,
		artifacts: opts.Artifacts,
		runtime:   opts.Runtime,
		monitor:   opts.Monitor,
		metrics:   opts.Metrics,
		cfg:       opts.Config.withDefaults(),
		now:       opts.Clock,
		inflight:  newRegistry(),
		baseCtx:   baseCtx,
		stopAll:   stopAll,
	}

	if err := o.reconcile(ctx); err != nil {
		slog.Warn("Failed to reconcile jobs", "error", err)
	}
	return o, nil
}

// SubmitRequest is a new job as received from a client.
type SubmitRequest struct {
	Kind       string
	Parameters job.Parameters
	InputName  string
	Input      io.Reader
}

// Submit validates and stages a job, persists it as pending and starts its
// execution in the background. Invalid submissions create no record.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*job.Job, error) {
	kind, err := job.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	spec, _ := job.Lookup(kind)
	params, err := spec.Resolve(req.Parameters)
	if err != nil {
		return nil, err
	}

	if o.isClosed() {
		return nil, apperrors.Conflict("job", "", shutdownDetail)
	}

	id := uuid.NewString()
	if err := o.inflight.reserve(id); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			o.inflight.release(id)
		}
	}()

	inputRef, err := o.artifacts.StageInput(id, req.InputName, req.Input)
	if err != nil {
		return nil, err
	}

	j := job.New(id, kind, params, inputRef, o.now())
	if err := o.store.Create(ctx, j); err != nil {
		_ = o.artifacts.DiscardInput(id)
		return nil, apperrors.Storage("store.createJob", err)
	}

	taskCtx, cancel := context.WithCancelCause(o.baseCtx)
	t := &task{cancel: cancel}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(errShuttingDown)
		o.failUnstarted(j, shutdownDetail)
		return nil, apperrors.Conflict("job", id, shutdownDetail)
	}
	o.tasksWg.Add(1)
	o.mu.Unlock()

	o.inflight.commit(id, t)
	committed = true
	o.metrics.RecordJobSubmitted(ctx, string(kind))

	running := j.Clone()
	go func() {
		defer o.tasksWg.Done()
		o.execute(taskCtx, running)
	}()

	slog.Info("Job accepted", "jobId", id, "kind", kind)
	return j, nil
}

// Get returns the stored job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := job.ValidateID(id); err != nil {
		return nil, apperrors.NotFound("job", id)
	}
	j, err := o.store.Get(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Storage("store.getJob", err)
	}
	return j, nil
}

// List returns jobs newest first.
func (o *Orchestrator) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	jobs, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, apperrors.Storage("store.listJobs", err)
	}
	return jobs, nil
}

// Logs returns up to tail trailing lines of the job's captured output.
func (o *Orchestrator) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.artifacts.TailLog(id, tail)
}

// Results checks that the job has downloadable results and returns a
// function streaming them as a tar.gz archive. Results exist only for
// completed jobs whose data has not been reclaimed.
func (o *Orchestrator) Results(ctx context.Context, id string) (func(io.Writer) error, error) {
	j, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted || j.Reclaimed() || !o.artifacts.HasResults(id) {
		return nil, apperrors.NotFound("results", id)
	}
	return func(w io.Writer) error {
		return o.artifacts.WriteResults(id, w)
	}, nil
}

// Cancel asks an executing job to stop. The job's task tears the worker
// down and records the job as failed with detail "cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if t, ok := o.inflight.get(id); ok && t != nil {
		t.cancel(errCancelled)
		slog.Info("Job cancellation requested", "jobId", id)
		return nil
	}

	j, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return apperrors.Conflict("job", id, fmt.Sprintf("job already %s", j.Status))
	}
	return apperrors.Conflict("job", id, "job is not executing in this process")
}

// Active returns the number of jobs executing in this process.
func (o *Orchestrator) Active() int {
	return o.inflight.len()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close stops accepting jobs, cancels every executing job and waits until
// their tasks have finalized and torn down, or ctx ends.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	if running := o.inflight.list(); len(running) > 0 {
		slog.Info("Cancelling executing jobs", "jobIds", slices.Sorted(maps.Keys(running)))
	}
	o.stopAll(errShuttingDown)

	done := make(chan struct{})
	go func() {
		o.tasksWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d jobs: %w", o.inflight.len(), ctx.Err())
	}
}

// reconcile fails jobs that a previous process left pending or running;
// their tasks died with that process, so nothing will ever finalize them.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	logger := slog.With("component", "reconcile")

	active, err := o.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	for _, j := range active {
		if _, ok := o.inflight.get(j.ID); ok {
			continue
		}
		o.failUnstarted(j, restartDetail)
		if j.ContainerRef != "" {
			o.teardown(logger.With("jobId", j.ID), runtime.Handle{ID: j.ContainerRef})
		}
		logger.Info("Failed orphaned job", "jobId", j.ID, "status", j.Status)
	}
	return nil
}

// failUnstarted finalizes a job that has no task, starting it first when it
// is still pending so the state machine is respected.
func (o *Orchestrator) failUnstarted(j *job.Job, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()

	_, err := o.store.Update(ctx, j.ID, func(cur *job.Job) error {
		if cur.Status == job.StatusPending {
			if err := cur.Start(o.now()); err != nil {
				return err
			}
		}
		return cur.Fail(o.now(), detail)
	})
	if err != nil {
		slog.Warn("Failed to finalize job", "jobId", j.ID, "error", err)
	}
}

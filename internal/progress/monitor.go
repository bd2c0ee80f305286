// Package progress follows a worker's output, turns recognised markers into
// job progress and reports the container's exit.
package progress

import (
	"context"
	"eemt-orchestrator/internal/job"
	"eemt-orchestrator/internal/observability"
	"eemt-orchestrator/internal/runtime"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LogSink opens the per-job file that receives a copy of every output line.
type LogSink interface {
	OpenLog(jobID string) (io.WriteCloser, error)
}

// Result is what the monitor observed once the stream ended.
type Result struct {
	ExitCode int
	// LastLine is the last non-blank output line, used in failure details.
	LastLine string
	Lines    int
}

// Monitor consumes container output for one job at a time; a single Monitor
// is shared by all in-flight jobs.
type Monitor struct {
	store    job.Store
	runtime  runtime.Runtime
	logs     LogSink
	patterns Patterns
	metrics  *observability.Metrics
}

// Config wires a Monitor.
type Config struct {
	Store    job.Store
	Runtime  runtime.Runtime
	Logs     LogSink // optional
	Patterns Patterns
	Metrics  *observability.Metrics
}

// NewMonitor creates a monitor. Nil Patterns fall back to DefaultPatterns.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Patterns == nil {
		cfg.Patterns = DefaultPatterns()
	}
	return &Monitor{
		store:    cfg.Store,
		runtime:  cfg.Runtime,
		logs:     cfg.Logs,
		patterns: cfg.Patterns,
		metrics:  cfg.Metrics,
	}
}

var errUnchanged = errors.New("progress unchanged")

// Watch reads the container's output until it closes, advancing the job's
// progress for every recognised marker, then waits for the exit code.
// Unrecognised or malformed lines are skipped. It returns ctx's error if ctx
// ends first, and fails without reading anything if kind's patterns are
// invalid.
func (m *Monitor) Watch(ctx context.Context, h runtime.Handle, jobID string, kind job.Kind) (Result, error) {
	logger := slog.With("jobId", jobID, "containerId", h.ID, "component", "progress")
	matcher, err := m.patterns.Matcher(kind)
	if err != nil {
		return Result{}, err
	}

	sink := m.openLog(logger, jobID)
	defer sink.Close()

	var res Result
	for line, err := range m.runtime.StreamLogs(ctx, h) {
		if err != nil {
			if ctx.Err() == nil {
				// The exit code below still decides the outcome.
				logger.Warn("Log stream ended with error", "error", err)
			}
			break
		}
		res.Lines++
		if _, err := io.WriteString(sink, line+"\n"); err != nil {
			logger.Warn("Failed to write job log; continuing without it", "error", err)
			sink = nopCloser{io.Discard}
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			res.LastLine = trimmed
		}

		if p, ok := matcher.Match(line); ok {
			m.advance(ctx, logger, jobID, kind, p)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	code, err := m.runtime.Wait(ctx, h)
	if err != nil {
		return res, fmt.Errorf("wait for container: %w", err)
	}
	res.ExitCode = code
	return res, nil
}

// advance writes p if it raises the job's progress. The read-modify-write
// goes through Store.Update so it cannot lose a concurrent status change.
func (m *Monitor) advance(ctx context.Context, logger *slog.Logger, jobID string, kind job.Kind, p int) {
	_, err := m.store.Update(ctx, jobID, func(j *job.Job) error {
		changed, err := j.AdvanceProgress(p)
		if err != nil {
			return err
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	switch {
	case err == nil:
		m.metrics.RecordProgressUpdate(ctx, string(kind))
		logger.Debug("Progress updated", "progress", p)
	case errors.Is(err, errUnchanged), errors.Is(err, job.ErrNotRunning), ctx.Err() != nil:
	default:
		logger.Warn("Failed to update progress", "progress", p, "error", err)
	}
}

func (m *Monitor) openLog(logger *slog.Logger, jobID string) io.WriteCloser {
	if m.logs == nil {
		return nopCloser{io.Discard}
	}
	w, err := m.logs.OpenLog(jobID)
	if err != nil {
		logger.Warn("Failed to open job log", "error", err)
		return nopCloser{io.Discard}
	}
	return w
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

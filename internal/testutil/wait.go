// Package testutil provides polling helpers for tests that observe
// asynchronously executing jobs.
package testutil

import (
	"context"
	"eemt-orchestrator/internal/job"
	"testing"
	"time"
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption adjusts how long and how often a wait polls.
type WaitOption func(*waitConfig)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the polling interval (default: 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

// WaitFor polls until condition returns true or the timeout passes.
// It reports whether the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	c := waitConfig{timeout: 5 * time.Second, interval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&c)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(c.interval)
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForJob polls the store until the job satisfies cond and returns the
// matching record. The test fails with the last observed record on timeout.
func WaitForJob(tb testing.TB, s job.Store, id string, cond func(*job.Job) bool, opts ...WaitOption) *job.Job {
	tb.Helper()
	var last *job.Job
	ok := WaitFor(tb, func() bool {
		j, err := s.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for job %s, last = %+v", id, last)
	}
	return last
}

// WaitForTerminal waits until the job is completed or failed.
func WaitForTerminal(tb testing.TB, s job.Store, id string, opts ...WaitOption) *job.Job {
	tb.Helper()
	return WaitForJob(tb, s, id, func(j *job.Job) bool { return j.Status.IsTerminal() }, opts...)
}

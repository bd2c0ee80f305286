package job

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPending() *Job {
	return New("job-1", KindSolar, Parameters{"num_threads": 4}, "uploads/job-1/dem.tif", t0)
}

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestJob_HappyPath(t *testing.T) {
	t.Parallel()
	j := newPending()

	if j.Progress != 0 || j.StartedAt != nil || j.CompletedAt != nil {
		t.Fatal("pending job should have no progress or timestamps")
	}
	if err := j.Start(t0.Add(time.Second)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if j.Status != StatusRunning || j.StartedAt == nil {
		t.Fatalf("expected running with startedAt, got %s", j.Status)
	}

	for _, p := range []int{10, 40, 30, 60} {
		if _, err := j.AdvanceProgress(p); err != nil {
			t.Fatalf("AdvanceProgress(%d): %v", p, err)
		}
	}
	if j.Progress != 60 {
		t.Errorf("expected progress 60, got %d", j.Progress)
	}

	if err := j.Complete(t0.Add(time.Minute)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if j.Progress != 100 {
		t.Errorf("expected progress 100 on completion, got %d", j.Progress)
	}
	if j.Duration() != 59*time.Second {
		t.Errorf("unexpected duration %v", j.Duration())
	}
}

func TestJob_NoResurrection(t *testing.T) {
	t.Parallel()
	j := newPending()
	_ = j.Start(t0)
	_ = j.Fail(t0, "exit code 1")

	if err := j.Start(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on restart, got %v", err)
	}
	if err := j.Complete(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on complete after fail, got %v", err)
	}
	if j.Status != StatusFailed || j.ErrorDetail != "exit code 1" {
		t.Errorf("failed job was modified: %+v", j)
	}
}

func TestJob_PendingCannotFinish(t *testing.T) {
	t.Parallel()
	j := newPending()
	if err := j.Complete(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := j.Fail(t0, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestJob_AdvanceProgress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		start       int
		value       int
		wantChanged bool
		want        int
	}{
		{"increase", 10, 20, true, 20},
		{"equal", 20, 20, false, 20},
		{"backwards", 50, 10, false, 50},
		{"clamped high", 50, 250, true, 100},
		{"negative", 0, -5, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := newPending()
			_ = j.Start(t0)
			j.Progress = tt.start
			changed, err := j.AdvanceProgress(tt.value)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if changed != tt.wantChanged || j.Progress != tt.want {
				t.Errorf("got changed=%v progress=%d, want %v/%d", changed, j.Progress, tt.wantChanged, tt.want)
			}
		})
	}
}

func TestJob_AdvanceProgress_NotRunning(t *testing.T) {
	t.Parallel()
	j := newPending()
	if _, err := j.AdvanceProgress(10); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning while pending, got %v", err)
	}
	if j.Progress != 0 {
		t.Errorf("pending progress must stay 0, got %d", j.Progress)
	}
}

func TestJob_FailKeepsProgress(t *testing.T) {
	t.Parallel()
	j := newPending()
	_ = j.Start(t0)
	_, _ = j.AdvanceProgress(42)
	_ = j.Fail(t0, "")
	if j.Progress != 42 {
		t.Errorf("expected progress frozen at 42, got %d", j.Progress)
	}
	if j.ErrorDetail == "" {
		t.Error("failed job must carry an error detail")
	}
}

func TestJob_MarkReclaimed(t *testing.T) {
	t.Parallel()
	j := newPending()
	if err := j.MarkReclaimed(t0); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("expected ErrNotTerminal for pending job, got %v", err)
	}
	_ = j.Start(t0)
	if err := j.MarkReclaimed(t0); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("expected ErrNotTerminal for running job, got %v", err)
	}
	_ = j.Complete(t0)
	if err := j.MarkReclaimed(t0.Add(time.Hour)); err != nil {
		t.Fatalf("MarkReclaimed: %v", err)
	}
	if !j.Reclaimed() {
		t.Error("expected job to be reclaimed")
	}
	if err := j.MarkReclaimed(t0.Add(2 * time.Hour)); !errors.Is(err, ErrAlreadyReclaimed) {
		t.Errorf("expected ErrAlreadyReclaimed, got %v", err)
	}
}

func TestJob_Age(t *testing.T) {
	t.Parallel()
	j := newPending()
	if j.Age(t0.Add(100*time.Hour)) != 0 {
		t.Error("pending job must have zero age")
	}
	_ = j.Start(t0)
	_ = j.Complete(t0)
	if got := j.Age(t0.Add(8 * 24 * time.Hour)); got != 8*24*time.Hour {
		t.Errorf("unexpected age %v", got)
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	t.Parallel()
	j := newPending()
	_ = j.Start(t0)
	c := j.Clone()
	c.Parameters["num_threads"] = 99
	*c.StartedAt = t0.Add(time.Hour)

	if j.Parameters["num_threads"] != 4 {
		t.Error("clone shares parameters map")
	}
	if !j.StartedAt.Equal(t0) {
		t.Error("clone shares startedAt pointer")
	}
}

func TestValidateID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"3f1e2b9c-5c7d-4a51-9a63-1b8f7d2a0c11", false},
		{"job_1", false},
		{"", true},
		{"../etc", true},
		{"-leading", true},
		{"a/b", true},
	}
	for _, tt := range tests {
		if err := ValidateID(tt.id); (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	if s, err := ParseStatus("running"); err != nil || s != StatusRunning {
		t.Errorf("ParseStatus(running) = %q, %v", s, err)
	}
	if _, err := ParseStatus("Done"); err == nil {
		t.Error("expected error for unknown status")
	}
}

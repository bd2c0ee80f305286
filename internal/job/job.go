// Package job defines the job record, its lifecycle state machine, the
// workflow kinds a worker understands, and the persistence contract.
package job

import (
	"eemt-orchestrator/internal/apperrors"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Detail recorded on jobs stopped by a user request.
const CancelledDetail = "cancelled"

var (
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrNotRunning        = errors.New("job is not running")
	ErrNotTerminal       = errors.New("job is not in a terminal status")
	ErrAlreadyReclaimed  = errors.New("job data already reclaimed")
)

// validTransitions lists the only reachable status changes.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// ParseStatus parses a status name. The empty string is rejected.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", apperrors.Validation("status", fmt.Sprintf("unknown status %q", s))
}

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is one unit of submitted work tracked end-to-end.
type Job struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	Status          Status     `json:"status"`
	Parameters      Parameters `json:"parameters"`
	InputRef        string     `json:"inputRef"`
	Progress        int        `json:"progress"`
	ErrorDetail     string     `json:"errorDetail,omitempty"`
	ContainerRef    string     `json:"containerRef,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	DataReclaimedAt *time.Time `json:"dataReclaimedAt,omitempty"`
}

// New returns a pending job.
func New(id string, kind Kind, params Parameters, inputRef string, now time.Time) *Job {
	return &Job{
		ID:         id,
		Kind:       kind,
		Status:     StatusPending,
		Parameters: params,
		InputRef:   inputRef,
		CreatedAt:  now.UTC(),
	}
}

func (j *Job) transition(next Status) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Start moves a pending job to running.
func (j *Job) Start(now time.Time) error {
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	t := now.UTC()
	j.StartedAt = &t
	j.Progress = 0
	return nil
}

// Complete finalizes a running job as successful.
func (j *Job) Complete(now time.Time) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	t := now.UTC()
	j.CompletedAt = &t
	j.Progress = 100
	return nil
}

// Fail finalizes a running job as failed. Progress keeps its last value.
func (j *Job) Fail(now time.Time, detail string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	if detail == "" {
		detail = "unknown error"
	}
	t := now.UTC()
	j.CompletedAt = &t
	j.ErrorDetail = detail
	return nil
}

// AdvanceProgress raises progress to p, clamped to [0, 100].
// It reports whether the record changed; lower values are ignored.
func (j *Job) AdvanceProgress(p int) (bool, error) {
	if j.Status != StatusRunning {
		return false, ErrNotRunning
	}
	p = min(max(p, 0), 100)
	if p <= j.Progress {
		return false, nil
	}
	j.Progress = p
	return true, nil
}

// MarkReclaimed records that the job's artifacts were deleted.
func (j *Job) MarkReclaimed(now time.Time) error {
	if !j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, j.Status)
	}
	if j.DataReclaimedAt != nil {
		return ErrAlreadyReclaimed
	}
	t := now.UTC()
	j.DataReclaimedAt = &t
	return nil
}

// Reclaimed reports whether the job's artifacts have been deleted.
func (j *Job) Reclaimed() bool {
	return j.DataReclaimedAt != nil
}

// Age returns how long ago the job reached its terminal status.
// Non-terminal jobs have zero age.
func (j *Job) Age(now time.Time) time.Duration {
	if !j.Status.IsTerminal() || j.CompletedAt == nil {
		return 0
	}
	return now.Sub(*j.CompletedAt)
}

// Duration returns the wall time between start and completion.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters = maps.Clone(j.Parameters)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.DataReclaimedAt = cloneTime(j.DataReclaimedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

const maxJobIDLength = 128

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateID rejects identifiers that could escape a per-job directory.
func ValidateID(id string) error {
	if id == "" {
		return apperrors.Validation("id", "job ID is required")
	}
	if len(id) > maxJobIDLength {
		return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	if !jobIDPattern.MatchString(id) {
		return apperrors.Validation("id", "job ID must be alphanumeric (hyphens and underscores allowed)")
	}
	return nil
}

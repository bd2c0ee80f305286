package job

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Status Status
	Limit  int
}

// EffectiveLimit returns the limit clamped to [1, MaxListLimit].
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// UpdateFunc mutates a job inside an atomic update. Returning an error
// aborts the update and leaves the stored record untouched.
type UpdateFunc func(*Job) error

// Store persists job records.
//
// Update is an atomic read-modify-write of a single record; implementations
// must not lock other records while it runs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs newest first.
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	// ListReclaimable returns terminal jobs whose data has not been reclaimed.
	ListReclaimable(ctx context.Context) ([]*Job, error)
	// ListActive returns pending and running jobs.
	ListActive(ctx context.Context) ([]*Job, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Job, error)
	Ping(ctx context.Context) error
	Close() error
}

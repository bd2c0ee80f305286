package store

import (
	"cmp"
	"context"
	"eemt-orchestrator/internal/job"
	"slices"
	"sync"
)

// Memory is a process-local job store. Each record has its own lock so an
// update of one job never waits on another.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*memEntry
}

type memEntry struct {
	mu  sync.Mutex
	job *job.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memEntry)}
}

func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return job.ErrExists
	}
	m.jobs[j.ID] = &memEntry{job: j.Clone()}
	return nil
}

func (m *Memory) entry(id string) (*memEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	return e, ok
}

func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, job.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// snapshot copies every record matching keep.
func (m *Memory) snapshot(keep func(*job.Job) bool) []*job.Job {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*job.Job
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.job) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (m *Memory) List(_ context.Context, filter job.ListFilter) ([]*job.Job, error) {
	out := m.snapshot(func(j *job.Job) bool {
		return filter.Status == "" || j.Status == filter.Status
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListReclaimable(_ context.Context) ([]*job.Job, error) {
	return m.snapshot(func(j *job.Job) bool {
		return j.Status.IsTerminal() && j.DataReclaimedAt == nil
	}), nil
}

func (m *Memory) ListActive(_ context.Context) ([]*job.Job, error) {
	return m.snapshot(func(j *job.Job) bool {
		return !j.Status.IsTerminal()
	}), nil
}

func (m *Memory) Update(_ context.Context, id string, fn job.UpdateFunc) (*job.Job, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, job.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.job.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.job = working
	return working.Clone(), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ job.Store = (*Memory)(nil)

package orchestrator

import (
	"context"
	"eemt-orchestrator/internal/apperrors"
	"sync"
)

// task is the in-process handle of one executing job.
type task struct {
	cancel context.CancelCauseFunc
}

// registry tracks the jobs this process is executing.
type registry struct {
	mu    sync.RWMutex
	tasks map[string]*task
}

func newRegistry() *registry {
	return &registry{
		tasks: make(map[string]*task),
	}
}

// reserve claims a job ID slot. The slot holds nil until commit is called.
func (r *registry) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job already exists")
	}
	r.tasks[jobID] = nil
	return nil
}

func (r *registry) commit(jobID string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[jobID] = t
}

// release removes a job, returning its task if it was registered.
func (r *registry) release(jobID string) (*task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tasks[jobID]
	if exists {
		delete(r.tasks, jobID)
	}
	return t, exists
}

// get returns (nil, true) for a reserved but uncommitted slot.
func (r *registry) get(jobID string) (*task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tasks[jobID]
	return t, exists
}

// list returns a snapshot of committed tasks.
func (r *registry) list() map[string]*task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*task, len(r.tasks))
	for id, t := range r.tasks {
		if t != nil {
			result[id] = t
		}
	}
	return result
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

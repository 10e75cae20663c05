package task

import (
	"context"
	"sync"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// MemoryRepository keeps tasks in process memory, for development and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	tasks  map[string]model.Task
	active map[string]string // task key -> id
	now    func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:  make(map[string]model.Task),
		active: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores t unless an active task holds its key, in which case that
// task is returned with created false.
func (r *MemoryRepository) Create(_ context.Context, t model.Task) (model.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.active[t.Key()]; ok {
		return r.tasks[id], false, nil
	}

	r.tasks[t.ID] = t
	r.active[t.Key()] = t.ID
	return t, true, nil
}

// Get returns the task with id.
func (r *MemoryRepository) Get(_ context.Context, id string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, ErrTaskNotFound
	}
	return t, nil
}

// List returns matching tasks, highest priority first.
func (r *MemoryRepository) List(_ context.Context, f model.TaskFilter) ([]model.Task, error) {
	r.mu.Lock()
	out := make([]model.Task, 0)
	for _, t := range r.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	r.mu.Unlock()

	sortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateStatus applies u to the task with id.
func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, u Update) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, ErrTaskNotFound
	}
	if err := checkUpdate(t, u); err != nil {
		return model.Task{}, err
	}

	apply(&t, u)
	t.UpdatedAt = r.now()
	r.tasks[id] = t
	if t.Status.Terminal() {
		delete(r.active, t.Key())
	}
	return t, nil
}

// Claim moves a pending task to in progress for workerID.
func (r *MemoryRepository) Claim(_ context.Context, id, workerID string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, ErrTaskNotFound
	}
	if t.Status != model.TaskStatusPending {
		return model.Task{}, ErrAlreadyClaimed
	}

	t.Status = model.TaskStatusInProgress
	t.WorkerID = workerID
	t.UpdatedAt = r.now()
	r.tasks[id] = t
	return t, nil
}

// ResetStale returns in-progress tasks not updated since before to pending.
func (r *MemoryRepository) ResetStale(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, t := range r.tasks {
		if t.Status == model.TaskStatusInProgress && t.UpdatedAt.Before(before) {
			t.Status = model.TaskStatusPending
			t.WorkerID = ""
			t.UpdatedAt = r.now()
			r.tasks[id] = t
			n++
		}
	}
	return n, nil
}

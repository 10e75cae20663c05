// Package task stores the shared task list. Every store enforces that at most
// one task per (scene_timestamp, composite_name) is pending or in progress.
package task

import (
	"errors"
	"sort"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrAlreadyClaimed    = errors.New("task already claimed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Update is a status report from a worker.
type Update struct {
	Status   model.TaskStatus
	Error    *string
	WorkerID string
	Attempts int
	Priority int // raised, never lowered
}

// canTransition reports whether a task in from may be moved to to.
// Terminal tasks are final; their key may already belong to a newer task.
func canTransition(from, to model.TaskStatus) bool {
	return from.Active() && to.Valid()
}

// checkUpdate reports whether u may be applied to t. An in-progress task
// only takes reports from the worker holding it.
func checkUpdate(t model.Task, u Update) error {
	if !canTransition(t.Status, u.Status) {
		return ErrInvalidTransition
	}
	if t.Status == model.TaskStatusInProgress && t.WorkerID != "" &&
		u.WorkerID != "" && u.WorkerID != t.WorkerID {
		return ErrAlreadyClaimed
	}
	return nil
}

// apply writes u onto t.
func apply(t *model.Task, u Update) {
	t.Status = u.Status
	t.LastError = u.Error
	if u.WorkerID != "" {
		t.WorkerID = u.WorkerID
	}
	if u.Attempts > t.Attempts {
		t.Attempts = u.Attempts
	}
	if u.Priority > t.Priority {
		t.Priority = u.Priority
	}
}

// sortTasks orders tasks the way List returns them.
func sortTasks(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

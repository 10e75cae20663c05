package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Active reports whether a task in this status still holds its scene/composite key.
func (s TaskStatus) Active() bool {
	return s == TaskStatusPending || s == TaskStatusInProgress
}

// Terminal reports whether no further transition is expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents "produce this composite for this scene".
type Task struct {
	ID             string     `json:"id"` // empty until synced with the task service
	SceneTimestamp time.Time  `json:"scene_timestamp"`
	CompositeName  string     `json:"composite_name"`
	Priority       int        `json:"priority"` // higher runs sooner
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"last_error"`
	WorkerID       string     `json:"worker_id,omitempty"`
}

// Key returns the (scene_timestamp, composite_name) identity of the task.
func (t Task) Key() string {
	return TaskKey(t.SceneTimestamp, t.CompositeName)
}

// Synced reports whether the task has an id assigned by the task service.
func (t Task) Synced() bool {
	return t.ID != ""
}

// SetError stores msg as the last error of the task.
func (t *Task) SetError(msg string) {
	t.LastError = &msg
}

// TaskKey builds the identity string used for duplicate detection.
func TaskKey(ts time.Time, composite string) string {
	return FormatTimestamp(ts) + "/" + composite
}

// TaskFilter selects tasks from the task list. Zero fields match everything.
type TaskFilter struct {
	Status    TaskStatus
	Composite string
	Since     time.Time // scene timestamps at or after Since
	Limit     int
}

// Match reports whether t passes the filter, ignoring Limit.
func (f TaskFilter) Match(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Composite != "" && t.CompositeName != f.Composite {
		return false
	}
	if !f.Since.IsZero() && t.SceneTimestamp.Before(f.Since) {
		return false
	}
	return true
}

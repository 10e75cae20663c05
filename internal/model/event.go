package model

// TaskCreated is announced when the task service creates a new task, so idle
// workers can claim it without waiting for their next poll.
type TaskCreated struct {
	TaskID         string `json:"task_id"`
	SceneTimestamp string `json:"scene_timestamp"`
	CompositeName  string `json:"composite_name"`
	Priority       int    `json:"priority"`
}

// NewTaskCreated builds the event for t.
func NewTaskCreated(t Task) TaskCreated {
	return TaskCreated{
		TaskID:         t.ID,
		SceneTimestamp: FormatTimestamp(t.SceneTimestamp),
		CompositeName:  t.CompositeName,
		Priority:       t.Priority,
	}
}

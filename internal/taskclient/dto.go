package taskclient

import (
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// taskDTO is the task representation on the wire.
type taskDTO struct {
	ID             string    `json:"id"`
	SceneTimestamp string    `json:"scene_timestamp"`
	CompositeName  string    `json:"composite_name"`
	Priority       int       `json:"priority"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error"`
	WorkerID       string    `json:"worker_id,omitempty"`
}

func (d taskDTO) toModel() (model.Task, error) {
	ts, err := model.ParseTimestamp(d.SceneTimestamp)
	if err != nil {
		return model.Task{}, err
	}

	return model.Task{
		ID:             d.ID,
		SceneTimestamp: ts,
		CompositeName:  d.CompositeName,
		Priority:       d.Priority,
		Status:         model.TaskStatus(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		WorkerID:       d.WorkerID,
	}, nil
}

type createRequest struct {
	SceneTimestamp string `json:"scene_timestamp"`
	CompositeName  string `json:"composite_name"`
	Priority       int    `json:"priority"`
}

type updateRequest struct {
	Status   string  `json:"status"`
	Error    *string `json:"error,omitempty"`
	WorkerID string  `json:"worker_id,omitempty"`
	Attempts int     `json:"attempts"`
	Priority int     `json:"priority,omitempty"`
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
}

type envelope[T any] struct {
	Result  T      `json:"result"`
	Message string `json:"message"`
}

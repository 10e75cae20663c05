package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/api/respond"
	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/model"
	repo "github.com/aliskhannn/himawari-tiler/internal/repository/task"
)

// service defines the task operations the handlers expose.
type service interface {
	CreateTask(ctx context.Context, ts time.Time, name string, priority int) (model.Task, bool, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
	UpdateStatus(ctx context.Context, id string, u repo.Update) (model.Task, error)
	Claim(ctx context.Context, id, workerID string) (model.Task, error)
}

// Handler provides HTTP handlers for the task list.
type Handler struct {
	service   service
	validator *validator.Validate
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{
		service:   s,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateRequest asks for a task for one scene and composite.
type CreateRequest struct {
	SceneTimestamp string `json:"scene_timestamp" validate:"required"`
	CompositeName  string `json:"composite_name" validate:"required"`
	Priority       int    `json:"priority"`
}

// UpdateRequest is a worker's status report.
type UpdateRequest struct {
	Status   string  `json:"status" validate:"required,oneof=pending in_progress completed failed"`
	Error    *string `json:"error"`
	WorkerID string  `json:"worker_id"`
	Attempts int     `json:"attempts" validate:"gte=0"`
	Priority int     `json:"priority"`
}

// ClaimRequest names the worker taking a pending task.
type ClaimRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// TaskResponse is the task representation on the wire. Scene timestamps use
// the artifact layout, e.g. "2025-04-20T04:00:00".
type TaskResponse struct {
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

func toResponse(t model.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		SceneTimestamp: model.FormatTimestamp(t.SceneTimestamp),
		CompositeName:  t.CompositeName,
		Priority:       t.Priority,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		Attempts:       t.Attempts,
		LastError:      t.LastError,
		WorkerID:       t.WorkerID,
	}
}

// decode reads and validates a JSON body into req.
func (h *Handler) decode(c *ginext.Context, req interface{}) error {
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	if err := h.validator.Struct(req); err != nil {
		return err
	}
	return nil
}

// fail maps service errors onto status codes.
func fail(c *ginext.Context, err error, msg string) {
	switch {
	case errors.Is(err, composite.ErrUnknownComposite):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, repo.ErrTaskNotFound):
		respond.Fail(c, http.StatusNotFound, repo.ErrTaskNotFound)
	case errors.Is(err, repo.ErrAlreadyClaimed), errors.Is(err, repo.ErrInvalidTransition):
		respond.Fail(c, http.StatusConflict, err)
	default:
		zlog.Logger.Err(err).Msg(msg)
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("%s", msg))
	}
}

// Create handles POST /api/tasks. It answers 201 with a new task or 200 with
// the active task already holding the scene/composite key.
func (h *Handler) Create(c *ginext.Context) {
	var req CreateRequest
	if err := h.decode(c, &req); err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	ts, err := model.ParseTimestamp(req.SceneTimestamp)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid scene_timestamp: %v", err))
		return
	}

	task, created, err := h.service.CreateTask(c.Request.Context(), ts, req.CompositeName, req.Priority)
	if err != nil {
		fail(c, err, "failed to create task")
		return
	}

	if created {
		zlog.Logger.Info().
			Str("task_id", task.ID).
			Str("key", task.Key()).
			Msg("task created")
		respond.Created(c, toResponse(task))
		return
	}

	respond.OK(c, toResponse(task))
}

// Get handles GET /api/tasks/:id.
func (h *Handler) Get(c *ginext.Context) {
	id := c.Param("id")
	if id == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing id"))
		return
	}

	task, err := h.service.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err, "failed to get task")
		return
	}

	respond.OK(c, toResponse(task))
}

// List handles GET /api/tasks with optional status, composite, since and
// limit query parameters.
func (h *Handler) List(c *ginext.Context) {
	var f model.TaskFilter

	if s := c.Query("status"); s != "" {
		f.Status = model.TaskStatus(s)
		if !f.Status.Valid() {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid status %q", s))
			return
		}
	}
	f.Composite = c.Query("composite")

	if s := c.Query("since"); s != "" {
		since, err := model.ParseTimestamp(s)
		if err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid since: %v", err))
			return
		}
		f.Since = since
	}

	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		f.Limit = limit
	}

	tasks, err := h.service.ListTasks(c.Request.Context(), f)
	if err != nil {
		fail(c, err, "failed to list tasks")
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toResponse(t))
	}
	respond.OK(c, out)
}

// Update handles PUT /api/tasks/:id.
func (h *Handler) Update(c *ginext.Context) {
	id := c.Param("id")

	var req UpdateRequest
	if err := h.decode(c, &req); err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	task, err := h.service.UpdateStatus(c.Request.Context(), id, repo.Update{
		Status:   model.TaskStatus(req.Status),
		Error:    req.Error,
		WorkerID: req.WorkerID,
		Attempts: req.Attempts,
		Priority: req.Priority,
	})
	if err != nil {
		fail(c, err, "failed to update task")
		return
	}

	respond.OK(c, toResponse(task))
}

// Claim handles POST /api/tasks/:id/claim. A task that is no longer pending
// answers 409.
func (h *Handler) Claim(c *ginext.Context) {
	id := c.Param("id")

	var req ClaimRequest
	if err := h.decode(c, &req); err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	task, err := h.service.Claim(c.Request.Context(), id, req.WorkerID)
	if err != nil {
		fail(c, err, "failed to claim task")
		return
	}

	zlog.Logger.Info().
		Str("task_id", task.ID).
		Str("worker_id", task.WorkerID).
		Msg("task claimed")

	respond.OK(c, toResponse(task))
}

// Health handles GET /health.
func (h *Handler) Health(c *ginext.Context) {
	respond.OK(c, map[string]string{"status": "ok"})
}

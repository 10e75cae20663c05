// Package taskclient talks to the shared task service.
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyClaimed = errors.New("task already claimed")
)

// Service is the task service API.
type Service interface {
	CreateTask(ctx context.Context, ts time.Time, composite string, priority int) (model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error)
	UpdateStatus(ctx context.Context, task model.Task, status model.TaskStatus, errMsg string) error
	Claim(ctx context.Context, id, workerID string) (model.Task, error)
}

// catalog reports whether a composite exists.
type catalog interface {
	Has(name string) bool
}

// localQueue receives tasks this process created in hybrid mode.
type localQueue interface {
	Enqueue(task model.Task) bool
}

// statusError is a non-2xx answer from the service.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("task service returned %d: %s", e.code, e.msg)
}

// unavailable reports whether err means the service could not be reached or
// failed server-side, as opposed to rejecting the request.
func unavailable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Retry    retry.Strategy // status update retries
	WorkerID string
}

// Client is the HTTP client of the task service. It owns the process's
// connection settings; there is no package-level state.
type Client struct {
	baseURL  string
	http     *http.Client
	strategy retry.Strategy
	workerID string
	catalog  catalog
	queue    localQueue
}

// New creates a new Client. cat is used to reject unknown composites before
// any request is made.
func New(opts Options, cat catalog) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.Strategy{Attempts: 3, Delay: time.Second, Backoff: 2}
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     &http.Client{Timeout: opts.Timeout},
		strategy: opts.Retry,
		workerID: opts.WorkerID,
		catalog:  cat,
	}
}

// AttachQueue makes CreateTask enqueue the tasks it creates into q.
func (c *Client) AttachQueue(q localQueue) {
	c.queue = q
}

// CreateTask creates the task for (ts, composite) or returns the active task
// already holding that key.
//
// With a local queue attached, a newly created task is claimed for this worker
// and enqueued locally. If the service cannot be reached the task is enqueued
// unsynced, with an empty ID, and no error is returned.
func (c *Client) CreateTask(ctx context.Context, ts time.Time, name string, priority int) (model.Task, error) {
	if !c.catalog.Has(name) {
		return model.Task{}, fmt.Errorf("create task: %w: %q", composite.ErrUnknownComposite, name)
	}
	ts = model.SlotOf(ts)

	req := createRequest{
		SceneTimestamp: model.FormatTimestamp(ts),
		CompositeName:  name,
		Priority:       priority,
	}

	var dto taskDTO
	code, err := c.do(ctx, http.MethodPost, "/api/tasks", req, &dto)
	if err != nil {
		if c.queue != nil && unavailable(err) {
			task := model.Task{
				SceneTimestamp: ts,
				CompositeName:  name,
				Priority:       priority,
				Status:         model.TaskStatusPending,
				CreatedAt:      time.Now().UTC(),
			}
			c.queue.Enqueue(task)

			zlog.Logger.Warn().Err(err).
				Str("key", task.Key()).
				Msg("task service unreachable, task enqueued locally")
			return task, nil
		}
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}

	task, err := dto.toModel()
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: decode: %w", err)
	}

	if c.queue == nil || code != http.StatusCreated {
		return task, nil
	}

	claimed, err := c.Claim(ctx, task.ID, c.workerID)
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		return task, nil
	case err != nil:
		zlog.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to claim created task, enqueuing anyway")
		claimed = task
	}
	c.queue.Enqueue(claimed)

	return claimed, nil
}

// ListTasks returns the tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Composite != "" {
		q.Set("composite", filter.Composite)
	}
	if !filter.Since.IsZero() {
		q.Set("since", model.FormatTimestamp(filter.Since))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	p := "/api/tasks"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}

	var dtos []taskDTO
	if _, err := c.do(ctx, http.MethodGet, p, nil, &dtos); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(dtos))
	for _, d := range dtos {
		t, err := d.toModel()
		if err != nil {
			return nil, fmt.Errorf("list tasks: decode %s: %w", d.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateStatus reports a transition of task, retrying transient failures.
// A final failure is logged and returned; callers keep their local state.
// Unsynced tasks are skipped.
func (c *Client) UpdateStatus(ctx context.Context, task model.Task, status model.TaskStatus, errMsg string) error {
	if !task.Synced() {
		return nil
	}

	req := updateRequest{
		Status:   string(status),
		WorkerID: task.WorkerID,
		Attempts: task.Attempts,
		Priority: task.Priority,
	}
	if errMsg != "" {
		req.Error = &errMsg
	}

	// stop ends the retries for answers another attempt cannot change.
	var stop error
	err := retry.Do(func() error {
		_, err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(task.ID), req, nil)
		if err != nil && !unavailable(err) {
			stop = err
			return nil
		}
		return err
	}, c.strategy)
	if stop != nil {
		err = stop
	}

	if err != nil {
		zlog.Logger.Err(err).
			Str("task_id", task.ID).
			Str("status", string(status)).
			Msg("failed to update task status")
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// Claim marks a pending task in progress for workerID.
func (c *Client) Claim(ctx context.Context, id, workerID string) (model.Task, error) {
	var dto taskDTO
	if _, err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/claim", claimRequest{WorkerID: workerID}, &dto); err != nil {
		return model.Task{}, fmt.Errorf("claim task %s: %w", id, err)
	}

	task, err := dto.toModel()
	if err != nil {
		return model.Task{}, fmt.Errorf("claim task %s: decode: %w", id, err)
	}
	return task, nil
}

// do sends one request and decodes the result envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env envelope[json.RawMessage]
		_ = json.Unmarshal(raw, &env)
		se := &statusError{code: resp.StatusCode, msg: env.Message}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrTaskNotFound, se)
		case http.StatusConflict:
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrAlreadyClaimed, se)
		}
		return resp.StatusCode, se
	}

	if out != nil {
		env := envelope[any]{Result: out}
		if err := json.Unmarshal(raw, &env); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

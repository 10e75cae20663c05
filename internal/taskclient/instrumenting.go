package taskclient

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// instrumentingMiddleware wraps Service and records request metrics.
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	next        Service
}

// NewInstrumentingMiddleware wraps next with request count and duration
// metrics labelled by method and error.
func NewInstrumentingMiddleware(reqCount metrics.Counter, reqDuration metrics.Histogram, next Service) Service {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		next:        next,
	}
}

func (s *instrumentingMiddleware) observe(method string, err error, start time.Time) {
	labels := []string{
		"method", method,
		"error", strconv.FormatBool(err != nil),
	}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(start).Seconds())
}

// CreateTask ...
func (s *instrumentingMiddleware) CreateTask(ctx context.Context, ts time.Time, composite string, priority int) (task model.Task, err error) {
	defer func(start time.Time) { s.observe("CreateTask", err, start) }(time.Now())
	return s.next.CreateTask(ctx, ts, composite, priority)
}

// ListTasks ...
func (s *instrumentingMiddleware) ListTasks(ctx context.Context, filter model.TaskFilter) (tasks []model.Task, err error) {
	defer func(start time.Time) { s.observe("ListTasks", err, start) }(time.Now())
	return s.next.ListTasks(ctx, filter)
}

// UpdateStatus ...
func (s *instrumentingMiddleware) UpdateStatus(ctx context.Context, task model.Task, status model.TaskStatus, errMsg string) (err error) {
	defer func(start time.Time) { s.observe("UpdateStatus", err, start) }(time.Now())
	return s.next.UpdateStatus(ctx, task, status, errMsg)
}

// Claim ...
func (s *instrumentingMiddleware) Claim(ctx context.Context, id, workerID string) (task model.Task, err error) {
	defer func(start time.Time) { s.observe("Claim", err, start) }(time.Now())
	return s.next.Claim(ctx, id, workerID)
}

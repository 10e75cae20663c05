package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/model"
	repo "github.com/aliskhannn/himawari-tiler/internal/repository/task"
)

// repository defines the task store the service works on.
type repository interface {
	Create(ctx context.Context, t model.Task) (model.Task, bool, error)
	Get(ctx context.Context, id string) (model.Task, error)
	List(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
	UpdateStatus(ctx context.Context, id string, u repo.Update) (model.Task, error)
	Claim(ctx context.Context, id, workerID string) (model.Task, error)
	ResetStale(ctx context.Context, before time.Time) (int, error)
}

// catalog reports whether a composite exists.
type catalog interface {
	Has(name string) bool
}

// producer announces new tasks to idle workers (e.g., via Kafka).
type producer interface {
	PublishTaskCreated(ctx context.Context, task model.Task) error
}

// Service provides business logic for the shared task list.
type Service struct {
	repo     repository
	catalog  catalog
	producer producer
	now      func() time.Time
}

// NewService creates a new Service. p may be nil when no broker is configured.
func NewService(r repository, c catalog, p producer) *Service {
	return &Service{
		repo:     r,
		catalog:  c,
		producer: p,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateTask creates a pending task for (ts, name) unless an active one
// exists. The bool reports whether a new task was created.
func (s *Service) CreateTask(ctx context.Context, ts time.Time, name string, priority int) (model.Task, bool, error) {
	if !s.catalog.Has(name) {
		return model.Task{}, false, fmt.Errorf("create: %w: %q", composite.ErrUnknownComposite, name)
	}

	now := s.now()
	task := model.Task{
		ID:             uuid.NewString(),
		SceneTimestamp: model.SlotOf(ts),
		CompositeName:  name,
		Priority:       priority,
		Status:         model.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	task, created, err := s.repo.Create(ctx, task)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("create: %w", err)
	}

	if created && s.producer != nil {
		if err := s.producer.PublishTaskCreated(ctx, task); err != nil {
			zlog.Logger.Err(err).Str("task_id", task.ID).Msg("failed to publish task created event")
		}
	}

	return task, created, nil
}

// GetTask returns the task with id.
func (s *Service) GetTask(ctx context.Context, id string) (model.Task, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("get: %w", err)
	}
	return task, nil
}

// ListTasks returns the tasks matching f.
func (s *Service) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	tasks, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return tasks, nil
}

// UpdateStatus records a status report for the task with id.
func (s *Service) UpdateStatus(ctx context.Context, id string, u repo.Update) (model.Task, error) {
	if !u.Status.Valid() {
		return model.Task{}, fmt.Errorf("update: %w: %q", repo.ErrInvalidTransition, u.Status)
	}

	task, err := s.repo.UpdateStatus(ctx, id, u)
	if err != nil {
		return model.Task{}, fmt.Errorf("update: %w", err)
	}

	zlog.Logger.Info().
		Str("task_id", id).
		Str("status", string(task.Status)).
		Str("worker_id", task.WorkerID).
		Msg("task status updated")

	return task, nil
}

// Claim hands the pending task with id to workerID.
func (s *Service) Claim(ctx context.Context, id, workerID string) (model.Task, error) {
	task, err := s.repo.Claim(ctx, id, workerID)
	if err != nil {
		return model.Task{}, fmt.Errorf("claim: %w", err)
	}
	return task, nil
}

// ResetStale hands in-progress tasks silent for longer than lease back to pending.
func (s *Service) ResetStale(ctx context.Context, lease time.Duration) (int, error) {
	n, err := s.repo.ResetStale(ctx, s.now().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return n, nil
}

// RunSweeper calls ResetStale every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, lease time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ResetStale(ctx, lease)
			if err != nil {
				zlog.Logger.Err(err).Msg("stale task sweep failed")
				continue
			}
			if n > 0 {
				zlog.Logger.Warn().Int("tasks", n).Msg("stale tasks returned to pending")
			}
		}
	}
}

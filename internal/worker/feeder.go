package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/model"
	"github.com/aliskhannn/himawari-tiler/internal/taskclient"
)

// taskSource is the task service as seen by the feeder.
type taskSource interface {
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error)
	Claim(ctx context.Context, id, workerID string) (model.Task, error)
	UpdateStatus(ctx context.Context, task model.Task, status model.TaskStatus, errMsg string) error
}

// feederQueue is the part of the local queue the feeder fills.
type feederQueue interface {
	Enqueue(task model.Task) bool
	Active() int
}

// Feeder claims pending tasks from the task service into the local queue
// while the queue has spare capacity.
type Feeder struct {
	source   taskSource
	queue    feederQueue
	workerID string
	capacity int
	interval time.Duration
	wake     chan struct{}
}

// NewFeeder creates a new Feeder.
// - capacity: maximum number of pending and in-progress local tasks
// - interval: poll period between wake-ups
func NewFeeder(source taskSource, q feederQueue, workerID string, capacity int, interval time.Duration) *Feeder {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Feeder{
		source:   source,
		queue:    q,
		workerID: workerID,
		capacity: capacity,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks the feeder to poll now. It never blocks.
func (f *Feeder) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if _, err := f.Fill(ctx); err != nil && ctx.Err() == nil {
			zlog.Logger.Err(err).Msg("failed to fetch tasks from task service")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-f.wake:
		}
	}
}

// Fill claims up to the free capacity of the queue, highest priority first,
// and returns how many tasks were enqueued.
func (f *Feeder) Fill(ctx context.Context) (int, error) {
	free := f.capacity - f.queue.Active()
	if free <= 0 {
		return 0, nil
	}

	tasks, err := f.source.ListTasks(ctx, model.TaskFilter{Status: model.TaskStatusPending})
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	added := 0
	for _, t := range tasks {
		if added >= free {
			break
		}

		claimed, err := f.source.Claim(ctx, t.ID, f.workerID)
		if err != nil {
			if errors.Is(err, taskclient.ErrAlreadyClaimed) {
				continue
			}
			return added, fmt.Errorf("claim task %s: %w", t.ID, err)
		}

		if !f.queue.Enqueue(claimed) {
			// Key already active locally or queue closed: release the claim.
			var errMsg string
			if claimed.LastError != nil {
				errMsg = *claimed.LastError
			}
			_ = f.source.UpdateStatus(context.WithoutCancel(ctx), claimed, model.TaskStatusPending, errMsg)

			zlog.Logger.Warn().
				Str("task_id", claimed.ID).
				Str("key", claimed.Key()).
				Msg("claimed task rejected by local queue, handed back")
			break
		}
		added++
	}

	if added > 0 {
		zlog.Logger.Info().Int("tasks", added).Msg("claimed tasks from task service")
	}
	return added, nil
}

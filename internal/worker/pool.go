// Package worker runs the processing slots and, in worker-only mode, feeds
// them with tasks claimed from the task service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// taskQueue is the local priority queue.
type taskQueue interface {
	Dequeue(ctx context.Context) (model.Task, bool)
	MarkInProgress(task model.Task)
	MarkDone(task model.Task, status model.TaskStatus)
	Requeue(task model.Task) bool
	Release(task model.Task)
	Drain() []model.Task
	Len() int
}

// reporter reports task transitions to the task service.
type reporter interface {
	UpdateStatus(ctx context.Context, task model.Task, status model.TaskStatus, errMsg string) error
}

// sceneResolver lists the current segments of a scene.
type sceneResolver interface {
	Scene(ctx context.Context, ts time.Time) (model.Scene, error)
}

// catalog looks up composite specs.
type catalog interface {
	Lookup(name string) (model.CompositeSpec, error)
}

// compositeProcessor builds one artifact.
type compositeProcessor interface {
	Process(ctx context.Context, scene model.Scene, spec model.CompositeSpec) (model.ArtifactRef, error)
}

// Config configures a Pool.
type Config struct {
	Slots         int
	MaxAttempts   int
	RetryBoost    int           // added to the priority of a retried task
	TaskTimeout   time.Duration // bounds one processing attempt
	ReportTimeout time.Duration // bounds one status report, retries included
	WorkerID      string
}

// Pool runs a fixed number of slots that take tasks from the queue, process
// them and report the outcome.
type Pool struct {
	queue     taskQueue
	processor compositeProcessor
	scenes    sceneResolver
	catalog   catalog
	reporter  reporter
	metrics   *Metrics
	cfg       Config
}

// NewPool creates a new Pool. metrics may be nil.
func NewPool(q taskQueue, proc compositeProcessor, scenes sceneResolver, cat catalog, rep reporter, metrics *Metrics, cfg Config) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Pool{
		queue:     q,
		processor: proc,
		scenes:    scenes,
		catalog:   cat,
		reporter:  rep,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Run starts the slots and blocks until ctx is cancelled and every slot has
// finished its current task. Pending tasks left in the queue are then handed
// back to the task service.
func (p *Pool) Run(ctx context.Context) error {
	zlog.Logger.Info().
		Int("slots", p.cfg.Slots).
		Str("worker_id", p.cfg.WorkerID).
		Msg("starting worker pool")

	var g errgroup.Group
	for i := 0; i < p.cfg.Slots; i++ {
		slot := i
		g.Go(func() error {
			p.slot(ctx, slot)
			return nil
		})
	}
	_ = g.Wait()

	p.handBack()
	zlog.Logger.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) slot(ctx context.Context, slot int) {
	for {
		task, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.metrics.queueSize.Set(float64(p.queue.Len()))

		p.metrics.busySlots.Inc()
		p.handle(ctx, slot, task)
		p.metrics.busySlots.Dec()
	}
}

// handle runs one processing attempt of task. ctx is the pool context; the
// attempt itself is detached from its cancellation and bounded by the task
// timeout.
func (p *Pool) handle(ctx context.Context, slot int, task model.Task) {
	task.Attempts++
	task.Status = model.TaskStatusInProgress
	task.WorkerID = p.cfg.WorkerID

	p.queue.MarkInProgress(task)
	p.report(ctx, task, model.TaskStatusInProgress, "")

	log := zlog.Logger.With().
		Int("slot", slot).
		Str("task_id", task.ID).
		Str("composite", task.CompositeName).
		Str("scene", model.FormatTimestamp(task.SceneTimestamp)).
		Int("attempt", task.Attempts).
		Logger()

	start := time.Now()
	ref, err := p.process(ctx, task)
	took := time.Since(start)

	if err == nil {
		task.Status = model.TaskStatusCompleted
		task.LastError = nil
		p.queue.MarkDone(task, model.TaskStatusCompleted)
		p.report(ctx, task, model.TaskStatusCompleted, "")
		p.metrics.observe(task.CompositeName, string(model.TaskStatusCompleted), took)

		log.Info().
			Str("prefix", ref.Prefix).
			Dur("took", took).
			Msg("task completed")
		return
	}

	task.SetError(err.Error())
	permanent := errors.Is(err, composite.ErrUnknownComposite)

	if permanent || task.Attempts >= p.cfg.MaxAttempts {
		task.Status = model.TaskStatusFailed
		p.queue.MarkDone(task, model.TaskStatusFailed)
		p.report(ctx, task, model.TaskStatusFailed, err.Error())
		p.metrics.observe(task.CompositeName, string(model.TaskStatusFailed), took)

		log.Error().Err(err).Msg("task failed permanently")
		return
	}

	p.metrics.observe(task.CompositeName, "retry", took)

	// Shutting down: give the task back instead of retrying it here.
	if ctx.Err() != nil {
		task.Status = model.TaskStatusPending
		p.queue.Release(task)
		p.report(ctx, task, model.TaskStatusPending, err.Error())
		log.Warn().Err(err).Msg("task handed back on shutdown")
		return
	}

	task.Priority += p.cfg.RetryBoost
	if !p.queue.Requeue(task) {
		task.Status = model.TaskStatusPending
		p.queue.Release(task)
		p.report(ctx, task, model.TaskStatusPending, err.Error())
		log.Warn().Err(err).Msg("queue closed, task handed back")
		return
	}
	// The task stays claimed by this worker on the service while it waits
	// for its next attempt.
	p.report(ctx, task, model.TaskStatusInProgress, err.Error())
	p.metrics.queueSize.Set(float64(p.queue.Len()))

	log.Warn().Err(err).Int("priority", task.Priority).Msg("task failed, retrying")
}

func (p *Pool) process(ctx context.Context, task model.Task) (model.ArtifactRef, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TaskTimeout)
	defer cancel()

	spec, err := p.catalog.Lookup(task.CompositeName)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	scene, err := p.scenes.Scene(ctx, task.SceneTimestamp)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("resolve scene: %w", err)
	}

	ref, err := p.processor.Process(ctx, scene, spec)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.ArtifactRef{}, fmt.Errorf("timed out after %s: %w", p.cfg.TaskTimeout, err)
		}
		return model.ArtifactRef{}, err
	}
	return ref, nil
}

// report sends a status update. Failures are logged by the reporter and do
// not change local state.
func (p *Pool) report(ctx context.Context, task model.Task, status model.TaskStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReportTimeout)
	defer cancel()

	_ = p.reporter.UpdateStatus(ctx, task, status, errMsg)
}

// handBack returns tasks that never started to the task service as pending.
func (p *Pool) handBack() {
	tasks := p.queue.Drain()
	for _, task := range tasks {
		var errMsg string
		if task.LastError != nil {
			errMsg = *task.LastError
		}
		p.report(context.Background(), task, model.TaskStatusPending, errMsg)
	}
	if len(tasks) > 0 {
		zlog.Logger.Info().Int("tasks", len(tasks)).Msg("pending tasks handed back")
	}
	p.metrics.queueSize.Set(0)
}

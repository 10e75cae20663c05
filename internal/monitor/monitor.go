// Package monitor polls the raw store for new complete scenes and creates a
// task per composite for each of them.
package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/detector"
	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// State is the phase of the monitor loop.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateEnqueueing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateEnqueueing:
		return "enqueueing"
	}
	return "unknown"
}

// sceneLister finds scenes on the raw store.
type sceneLister interface {
	ListCandidateScenes(ctx context.Context, since, now time.Time) ([]model.Scene, error)
}

// taskService creates tasks and lists existing ones.
type taskService interface {
	CreateTask(ctx context.Context, ts time.Time, composite string, priority int) (model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error)
}

// Config configures the loop.
type Config struct {
	Interval time.Duration // time between cycles
	Window   time.Duration // trailing window of scenes considered each cycle
}

// Monitor owns the set of scene timestamps it has already turned into tasks.
type Monitor struct {
	scenes sceneLister
	tasks  taskService
	specs  []model.CompositeSpec
	cfg    Config
	now    func() time.Time

	state atomic.Int32

	mu    sync.Mutex
	known map[time.Time]struct{}
}

// New creates a Monitor creating tasks for specs.
func New(scenes sceneLister, tasks taskService, specs []model.CompositeSpec, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Hour
	}

	return &Monitor{
		scenes: scenes,
		tasks:  tasks,
		specs:  specs,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		known:  make(map[time.Time]struct{}),
	}
}

// State returns the current phase of the loop.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

// Known returns the known scene timestamps, oldest first.
func (m *Monitor) Known() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]time.Time, 0, len(m.known))
	for ts := range m.known {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Seed marks as known every scene in the window that already has a task, in
// any status, for each composite.
func (m *Monitor) Seed(ctx context.Context) error {
	tasks, err := m.tasks.ListTasks(ctx, model.TaskFilter{Since: m.windowStart()})
	if err != nil {
		return err
	}

	covered := make(map[time.Time]map[string]struct{})
	for _, t := range tasks {
		ts := model.SlotOf(t.SceneTimestamp)
		if covered[ts] == nil {
			covered[ts] = make(map[string]struct{})
		}
		covered[ts][t.CompositeName] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for ts, names := range covered {
		if m.coversAll(names) {
			m.known[ts] = struct{}{}
		}
	}

	zlog.Logger.Info().
		Int("tasks", len(tasks)).
		Int("known_scenes", len(m.known)).
		Msg("monitor seeded from task service")
	return nil
}

func (m *Monitor) coversAll(names map[string]struct{}) bool {
	for _, spec := range m.specs {
		if _, ok := names[spec.Name]; !ok {
			return false
		}
	}
	return true
}

func (m *Monitor) windowStart() time.Time {
	return model.SlotOf(m.now().Add(-m.cfg.Window))
}

// Cycle runs one poll. It returns the number of tasks created or found
// existing; listing errors are returned and leave the known set unchanged.
func (m *Monitor) Cycle(ctx context.Context) (int, error) {
	defer m.setState(StateIdle)

	m.setState(StatePolling)
	now := m.now()
	scenes, err := m.scenes.ListCandidateScenes(ctx, m.windowStart(), now)
	if err != nil {
		return 0, err
	}

	m.setState(StateEnqueueing)
	n := 0
	for _, scene := range scenes {
		m.mu.Lock()
		fresh := detector.IsNewAndComplete(scene, m.known)
		m.mu.Unlock()
		if !fresh {
			continue
		}

		ok := true
		for _, spec := range m.specs {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}

			task, err := m.tasks.CreateTask(ctx, scene.Timestamp, spec.Name, spec.Priority)
			if err != nil {
				ok = false
				zlog.Logger.Err(err).
					Str("scene", model.FormatTimestamp(scene.Timestamp)).
					Str("composite", spec.Name).
					Msg("failed to create task, retrying next cycle")
				continue
			}
			n++

			zlog.Logger.Info().
				Str("task_id", task.ID).
				Str("key", task.Key()).
				Str("status", string(task.Status)).
				Msg("task submitted")
		}

		if ok {
			m.mu.Lock()
			m.known[scene.Timestamp] = struct{}{}
			m.mu.Unlock()
		}
	}

	m.prune()
	return n, nil
}

// prune forgets timestamps that left the window.
func (m *Monitor) prune() {
	start := m.windowStart()

	m.mu.Lock()
	defer m.mu.Unlock()

	for ts := range m.known {
		if ts.Before(start) {
			delete(m.known, ts)
		}
	}
}

// Run seeds the known set and then polls every interval, starting
// immediately, until ctx is done. Errors never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Seed(ctx); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to seed monitor, starting empty")
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		n, err := m.Cycle(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			zlog.Logger.Err(err).Msg("monitor cycle failed, retrying next cycle")
		case n > 0:
			zlog.Logger.Info().Int("tasks", n).Msg("monitor cycle submitted tasks")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

var (
	now    = time.Date(2025, 4, 20, 4, 35, 0, 0, time.UTC)
	sceneA = time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)
	sceneB = time.Date(2025, 4, 20, 4, 10, 0, 0, time.UTC)
)

var specs = []model.CompositeSpec{
	{Name: "true_color", Priority: 10},
	{Name: "ir_clouds", Priority: 8},
}

func scene(ts time.Time, segments int) model.Scene {
	keys := make([]string, segments)
	for i := range keys {
		keys[i] = ts.Format("20060102_1504") + "_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	return model.NewScene(ts, keys, model.ExpectedSegmentCount)
}

type fakeScenes struct {
	mu     sync.Mutex
	scenes []model.Scene
	err    error
	block  chan struct{}
	calls  int
}

func (f *fakeScenes) ListCandidateScenes(ctx context.Context, since, now time.Time) ([]model.Scene, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scenes, f.err
}

type createCall struct {
	ts        time.Time
	composite string
	priority  int
}

type fakeTasks struct {
	mu       sync.Mutex
	existing []model.Task
	calls    []createCall
	fail     map[string]error
}

func (f *fakeTasks) CreateTask(_ context.Context, ts time.Time, composite string, priority int) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, createCall{ts: ts, composite: composite, priority: priority})
	if err := f.fail[composite]; err != nil {
		return model.Task{}, err
	}
	return model.Task{ID: composite + "@" + model.FormatTimestamp(ts), SceneTimestamp: ts, CompositeName: composite, Priority: priority, Status: model.TaskStatusPending}, nil
}

func (f *fakeTasks) ListTasks(_ context.Context, filter model.TaskFilter) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Task
	for _, t := range f.existing {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTasks) created() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.calls...)
}

func newMonitor(scenes *fakeScenes, tasks *fakeTasks) *Monitor {
	m := New(scenes, tasks, specs, Config{Interval: time.Minute, Window: time.Hour})
	m.now = func() time.Time { return now }
	return m
}

func TestCycleCreatesTasksForCompleteScenesOnce(t *testing.T) {
	scenes := &fakeScenes{scenes: []model.Scene{
		scene(sceneA, model.ExpectedSegmentCount),
		scene(sceneB, 150),
	}}
	tasks := &fakeTasks{}
	m := newMonitor(scenes, tasks)
	ctx := context.Background()

	n, err := m.Cycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}

	calls := tasks.created()
	if len(calls) != 2 {
		t.Fatalf("expected 2 create calls, got %d", len(calls))
	}
	for i, spec := range specs {
		if !calls[i].ts.Equal(sceneA) || calls[i].composite != spec.Name || calls[i].priority != spec.Priority {
			t.Fatalf("unexpected call %d: %+v", i, calls[i])
		}
	}

	// The incomplete scene never produces tasks; the complete one is known now.
	if _, err := m.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(tasks.created()); got != 2 {
		t.Fatalf("expected no new create calls, got %d total", got)
	}
	if known := m.Known(); len(known) != 1 || !known[0].Equal(sceneA) {
		t.Fatalf("unexpected known set %v", known)
	}

	// Once it completes, scene B is picked up.
	scenes.mu.Lock()
	scenes.scenes[1] = scene(sceneB, model.ExpectedSegmentCount)
	scenes.mu.Unlock()

	if n, err := m.Cycle(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 tasks for scene B, got n=%d err=%v", n, err)
	}
}

func TestCycleCreateFailureRetriesNextCycle(t *testing.T) {
	scenes := &fakeScenes{scenes: []model.Scene{scene(sceneA, model.ExpectedSegmentCount)}}
	tasks := &fakeTasks{fail: map[string]error{"ir_clouds": errors.New("service down")}}
	m := newMonitor(scenes, tasks)
	ctx := context.Background()

	if _, err := m.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(m.Known()) != 0 {
		t.Fatal("scene must stay unknown while a create failed")
	}

	tasks.mu.Lock()
	tasks.fail = nil
	tasks.mu.Unlock()

	if _, err := m.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(m.Known()) != 1 {
		t.Fatal("scene must be known after all creates succeeded")
	}
	if got := len(tasks.created()); got != 4 {
		t.Fatalf("expected 4 create calls, got %d", got)
	}
}

func TestCycleListingErrorDeferred(t *testing.T) {
	scenes := &fakeScenes{err: errors.New("bucket unavailable")}
	m := newMonitor(scenes, &fakeTasks{})

	if _, err := m.Cycle(context.Background()); err == nil {
		t.Fatal("expected listing error")
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after failed cycle, got %s", m.State())
	}
}

func TestSeedSkipsScenesWithTasks(t *testing.T) {
	scenes := &fakeScenes{scenes: []model.Scene{
		scene(sceneA, model.ExpectedSegmentCount),
		scene(sceneB, model.ExpectedSegmentCount),
	}}
	tasks := &fakeTasks{existing: []model.Task{
		{ID: "1", SceneTimestamp: sceneA, CompositeName: "true_color", Status: model.TaskStatusCompleted},
		{ID: "2", SceneTimestamp: sceneA, CompositeName: "ir_clouds", Status: model.TaskStatusFailed},
		{ID: "3", SceneTimestamp: sceneB, CompositeName: "true_color", Status: model.TaskStatusPending},
	}}
	m := newMonitor(scenes, tasks)
	ctx := context.Background()

	if err := m.Seed(ctx); err != nil {
		t.Fatal(err)
	}
	if known := m.Known(); len(known) != 1 || !known[0].Equal(sceneA) {
		t.Fatalf("unexpected seeded set %v", known)
	}

	if _, err := m.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	for _, c := range tasks.created() {
		if c.ts.Equal(sceneA) {
			t.Fatalf("seeded scene re-submitted: %+v", c)
		}
	}
}

func TestPruneDropsScenesOutsideWindow(t *testing.T) {
	scenes := &fakeScenes{scenes: []model.Scene{scene(sceneA, model.ExpectedSegmentCount)}}
	m := newMonitor(scenes, &fakeTasks{})
	ctx := context.Background()

	if _, err := m.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(m.Known()) != 1 {
		t.Fatal("expected scene known")
	}

	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	scenes.mu.Lock()
	scenes.scenes = nil
	scenes.mu.Unlock()

	if _, err := m.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(m.Known()) != 0 {
		t.Fatalf("expected pruned known set, got %v", m.Known())
	}
}

func TestStateTransitions(t *testing.T) {
	scenes := &fakeScenes{block: make(chan struct{})}
	m := newMonitor(scenes, &fakeTasks{})

	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Cycle(context.Background())
	}()

	deadline := time.After(2 * time.Second)
	for m.State() != StatePolling {
		select {
		case <-deadline:
			t.Fatal("monitor never entered polling")
		case <-time.After(time.Millisecond):
		}
	}

	close(scenes.block)
	<-done

	if m.State() != StateIdle {
		t.Fatalf("expected idle after cycle, got %s", m.State())
	}
}

func TestRunPollsImmediatelyAndStops(t *testing.T) {
	scenes := &fakeScenes{scenes: []model.Scene{scene(sceneA, model.ExpectedSegmentCount)}}
	tasks := &fakeTasks{}
	m := newMonitor(scenes, tasks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(tasks.created()) < len(specs) {
		select {
		case <-deadline:
			t.Fatal("first cycle did not run immediately")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

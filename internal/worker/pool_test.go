package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/model"
	"github.com/aliskhannn/himawari-tiler/internal/queue"
)

var ts = time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

type fakeCatalog map[string]model.CompositeSpec

func (c fakeCatalog) Lookup(name string) (model.CompositeSpec, error) {
	spec, ok := c[name]
	if !ok {
		return model.CompositeSpec{}, fmt.Errorf("%w: %s", composite.ErrUnknownComposite, name)
	}
	return spec, nil
}

var specs = fakeCatalog{
	"true_color": {Name: "true_color", Priority: 10},
	"ir_clouds":  {Name: "ir_clouds", Priority: 8},
	"ash":        {Name: "ash", Priority: 5},
}

type fakeScenes struct{}

func (fakeScenes) Scene(_ context.Context, ts time.Time) (model.Scene, error) {
	return model.NewScene(ts, nil, model.ExpectedSegmentCount), nil
}

// fakeProcessor fails a composite a set number of times before succeeding.
type fakeProcessor struct {
	mu       sync.Mutex
	failures map[string]int
	calls    []string
	gate     chan struct{} // when set, Process waits for it
	started  chan string
	hang     map[string]bool // composites that block until the attempt times out
}

func (p *fakeProcessor) Process(ctx context.Context, scene model.Scene, spec model.CompositeSpec) (model.ArtifactRef, error) {
	if p.started != nil {
		p.started <- spec.Name
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return model.ArtifactRef{}, ctx.Err()
		}
	}
	if p.hang[spec.Name] {
		<-ctx.Done()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, spec.Name)
	if err := ctx.Err(); err != nil {
		return model.ArtifactRef{}, err
	}
	if p.failures[spec.Name] > 0 {
		p.failures[spec.Name]--
		return model.ArtifactRef{}, errors.New("segment truncated")
	}
	return model.ArtifactRef{
		Composite:      spec.Name,
		SceneTimestamp: scene.Timestamp,
		Prefix:         model.ArtifactPrefix(spec.Name, scene.Timestamp),
	}, nil
}

type report struct {
	key      string
	status   model.TaskStatus
	attempts int
	priority int
	errMsg   string
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
	notify  chan report
}

func (r *fakeReporter) UpdateStatus(_ context.Context, task model.Task, status model.TaskStatus, errMsg string) error {
	rep := report{key: task.Key(), status: status, attempts: task.Attempts, priority: task.Priority, errMsg: errMsg}

	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()

	if r.notify != nil {
		r.notify <- rep
	}
	return nil
}

func (r *fakeReporter) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

func newTask(composite string, priority int) model.Task {
	return model.Task{
		ID:             composite + "-id",
		SceneTimestamp: ts,
		CompositeName:  composite,
		Priority:       priority,
		Status:         model.TaskStatusPending,
		CreatedAt:      ts,
	}
}

// runUntil runs the pool until a report with status final arrives for every
// key in keys, then stops it.
func runUntil(t *testing.T, p *Pool, rep *fakeReporter, final map[string]model.TaskStatus) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	pending := len(final)
	deadline := time.After(5 * time.Second)
	for pending > 0 {
		select {
		case r := <-rep.notify:
			if want, ok := final[r.key]; ok && r.status == want {
				delete(final, r.key)
				pending--
			}
		case <-deadline:
			t.Fatalf("pool did not finish, waiting for %v", final)
		}
	}

	cancel()
	// Drain reports sent during shutdown.
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			return
		case <-rep.notify:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPoolRetriesThenCompletes(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{failures: map[string]int{"ir_clouds": 2}}
	rep := &fakeReporter{notify: make(chan report, 32)}
	metrics := NewMetrics(nil)

	p := NewPool(q, proc, fakeScenes{}, specs, rep, metrics, Config{Slots: 1, MaxAttempts: 3, RetryBoost: 1, WorkerID: "w1"})

	task := newTask("ir_clouds", 8)
	q.Enqueue(task)

	runUntil(t, p, rep, map[string]model.TaskStatus{task.Key(): model.TaskStatusCompleted})

	want := []report{
		{status: model.TaskStatusInProgress, attempts: 1, priority: 8},
		{status: model.TaskStatusInProgress, attempts: 1, priority: 9, errMsg: "segment truncated"},
		{status: model.TaskStatusInProgress, attempts: 2, priority: 9},
		{status: model.TaskStatusInProgress, attempts: 2, priority: 10, errMsg: "segment truncated"},
		{status: model.TaskStatusInProgress, attempts: 3, priority: 10},
		{status: model.TaskStatusCompleted, attempts: 3, priority: 10},
	}
	got := rep.all()
	if len(got) != len(want) {
		t.Fatalf("got %d reports, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		g := got[i]
		if g.status != want[i].status || g.attempts != want[i].attempts || g.priority != want[i].priority || g.errMsg != want[i].errMsg {
			t.Errorf("report %d = %+v, want %+v", i, g, want[i])
		}
	}

	if s, _ := q.Status(task.Key()); s != model.TaskStatusCompleted {
		t.Fatalf("local status = %s", s)
	}
	if got := testutil.ToFloat64(metrics.tasksProcessed.WithLabelValues("ir_clouds", "retry")); got != 2 {
		t.Fatalf("retry count = %v", got)
	}
	if got := testutil.ToFloat64(metrics.tasksProcessed.WithLabelValues("ir_clouds", "completed")); got != 1 {
		t.Fatalf("completed count = %v", got)
	}
}

func TestPoolFailsAfterMaxAttempts(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{failures: map[string]int{"ash": 10}}
	rep := &fakeReporter{notify: make(chan report, 32)}

	p := NewPool(q, proc, fakeScenes{}, specs, rep, nil, Config{Slots: 2, MaxAttempts: 3, WorkerID: "w1"})

	task := newTask("ash", 5)
	q.Enqueue(task)

	runUntil(t, p, rep, map[string]model.TaskStatus{task.Key(): model.TaskStatusFailed})

	got := rep.all()
	last := got[len(got)-1]
	if last.status != model.TaskStatusFailed || last.attempts != 3 || last.errMsg != "segment truncated" {
		t.Fatalf("final report = %+v", last)
	}
	if len(proc.calls) != 3 {
		t.Fatalf("processed %d times, want 3", len(proc.calls))
	}
	if s, _ := q.Status(task.Key()); s != model.TaskStatusFailed {
		t.Fatalf("local status = %s", s)
	}
}

func TestPoolTimeoutCountsAsAttempt(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{hang: map[string]bool{"true_color": true}}
	rep := &fakeReporter{notify: make(chan report, 32)}

	p := NewPool(q, proc, fakeScenes{}, specs, rep, nil, Config{Slots: 1, MaxAttempts: 2, TaskTimeout: 20 * time.Millisecond, WorkerID: "w1"})

	tc, ir := newTask("true_color", 10), newTask("ir_clouds", 8)
	q.Enqueue(tc)
	q.Enqueue(ir)

	runUntil(t, p, rep, map[string]model.TaskStatus{
		tc.Key(): model.TaskStatusFailed,
		ir.Key(): model.TaskStatusCompleted,
	})

	var last report
	for _, r := range rep.all() {
		if r.key == tc.Key() {
			last = r
		}
	}
	if last.status != model.TaskStatusFailed || last.attempts != 2 || !strings.Contains(last.errMsg, "timed out") {
		t.Fatalf("final true_color report = %+v", last)
	}

	// The slot is freed after each timeout.
	want := []string{"true_color", "true_color", "ir_clouds"}
	if len(proc.calls) != len(want) {
		t.Fatalf("processing order = %v, want %v", proc.calls, want)
	}
	for i, name := range want {
		if proc.calls[i] != name {
			t.Fatalf("processing order = %v, want %v", proc.calls, want)
		}
	}
}

func TestPoolUnknownCompositeFailsImmediately(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{}
	rep := &fakeReporter{notify: make(chan report, 32)}

	p := NewPool(q, proc, fakeScenes{}, specs, rep, nil, Config{Slots: 1, MaxAttempts: 3})

	task := newTask("rainbow", 1)
	q.Enqueue(task)

	runUntil(t, p, rep, map[string]model.TaskStatus{task.Key(): model.TaskStatusFailed})

	last := rep.all()[len(rep.all())-1]
	if last.attempts != 1 {
		t.Fatalf("unknown composite attempted %d times", last.attempts)
	}
	if len(proc.calls) != 0 {
		t.Fatal("processor called for unknown composite")
	}
}

func TestPoolPriorityOrder(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{}
	rep := &fakeReporter{notify: make(chan report, 32)}

	p := NewPool(q, proc, fakeScenes{}, specs, rep, nil, Config{Slots: 1})

	ash, ir, tc := newTask("ash", 5), newTask("ir_clouds", 8), newTask("true_color", 10)
	q.Enqueue(ash)
	q.Enqueue(ir)
	q.Enqueue(tc)

	runUntil(t, p, rep, map[string]model.TaskStatus{
		ash.Key(): model.TaskStatusCompleted,
		ir.Key():  model.TaskStatusCompleted,
		tc.Key():  model.TaskStatusCompleted,
	})

	want := []string{"true_color", "ir_clouds", "ash"}
	for i, name := range want {
		if proc.calls[i] != name {
			t.Fatalf("processing order = %v, want %v", proc.calls, want)
		}
	}
}

func TestPoolShutdownHandsBackPending(t *testing.T) {
	q := queue.New()
	proc := &fakeProcessor{gate: make(chan struct{}), started: make(chan string, 4)}
	rep := &fakeReporter{}

	p := NewPool(q, proc, fakeScenes{}, specs, rep, nil, Config{Slots: 1, WorkerID: "w1"})

	tc, ir, ash := newTask("true_color", 10), newTask("ir_clouds", 8), newTask("ash", 5)
	q.Enqueue(tc)
	q.Enqueue(ir)
	q.Enqueue(ash)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case name := <-proc.started:
		if name != "true_color" {
			t.Fatalf("started %s first", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nothing started")
	}

	// The in-flight task survives cancellation and finishes.
	cancel()
	close(proc.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	final := make(map[string]model.TaskStatus)
	for _, r := range rep.all() {
		final[r.key] = r.status
	}
	if final[tc.Key()] != model.TaskStatusCompleted {
		t.Fatalf("in-flight task ended %s", final[tc.Key()])
	}
	for _, task := range []model.Task{ir, ash} {
		if final[task.Key()] != model.TaskStatusPending {
			t.Fatalf("task %s ended %s, want handed back", task.Key(), final[task.Key()])
		}
	}
	if q.Len() != 0 || q.Active() != 0 {
		t.Fatalf("queue not drained: len=%d active=%d", q.Len(), q.Active())
	}
}

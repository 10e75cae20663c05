package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

var base = time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

func task(composite string, priority int, created time.Duration) model.Task {
	return model.Task{
		SceneTimestamp: base,
		CompositeName:  composite,
		Priority:       priority,
		CreatedAt:      base.Add(created),
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q := New()

	if !q.Enqueue(task("ash", 1, 0)) {
		t.Fatal("first enqueue rejected")
	}
	if q.Enqueue(task("ash", 5, time.Second)) {
		t.Fatal("duplicate pending key accepted")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}

	got, ok := q.Dequeue(context.Background())
	if !ok {
		t.Fatal("dequeue failed")
	}
	q.MarkInProgress(got)

	if q.Enqueue(task("ash", 1, 0)) {
		t.Fatal("duplicate in-progress key accepted")
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d, want 0", q.Len())
	}

	q.MarkDone(got, model.TaskStatusCompleted)
	if s, ok := q.Status(got.Key()); !ok || s != model.TaskStatusCompleted {
		t.Fatalf("status = %q, %v", s, ok)
	}
	if !q.Enqueue(task("ash", 1, 0)) {
		t.Fatal("enqueue after completion rejected")
	}
}

func TestDequeueOrder(t *testing.T) {
	q := New()
	q.Enqueue(task("a", 1, 3*time.Minute))
	q.Enqueue(task("b", 5, 2*time.Minute))
	q.Enqueue(task("c", 5, 1*time.Minute))
	q.Enqueue(task("d", 1, 0))
	q.Enqueue(task("e", 5, 1*time.Minute))

	want := []string{"c", "e", "b", "d", "a"}
	for i, w := range want {
		got, ok := q.Dequeue(context.Background())
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if got.CompositeName != w {
			t.Fatalf("dequeue %d = %s, want %s", i, got.CompositeName, w)
		}
	}
}

func TestRequeueKeepsKey(t *testing.T) {
	q := New()
	q.Enqueue(task("ash", 1, 0))

	got, _ := q.Dequeue(context.Background())
	q.MarkInProgress(got)

	got.Priority++
	if !q.Requeue(got) {
		t.Fatal("requeue rejected")
	}
	if q.Enqueue(task("ash", 1, 0)) {
		t.Fatal("duplicate of requeued task accepted")
	}

	again, _ := q.Dequeue(context.Background())
	if again.Priority != 2 || again.Status != model.TaskStatusPending {
		t.Fatalf("requeued task = %+v", again)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()

	done := make(chan model.Task)
	go func() {
		got, _ := q.Dequeue(context.Background())
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(task("ir_clouds", 1, 0))

	select {
	case got := <-done:
		if got.CompositeName != "ir_clouds" {
			t.Fatalf("got %s", got.CompositeName)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("dequeue returned a task after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestCancelledWaiterPassesWakeUpOn(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := New()
		ctx, cancel := context.WithCancel(context.Background())

		first := make(chan bool, 1)
		go func() {
			_, ok := q.Dequeue(ctx)
			first <- ok
		}()
		time.Sleep(2 * time.Millisecond)

		second := make(chan model.Task, 1)
		go func() {
			if got, ok := q.Dequeue(context.Background()); ok {
				second <- got
			}
		}()
		time.Sleep(2 * time.Millisecond)

		// The push signals the first waiter, whose context is already done
		// by the time it runs.
		q.mu.Lock()
		q.push(task("ash", 1, 0))
		cancel()
		q.mu.Unlock()

		if ok := <-first; ok {
			t.Fatal("cancelled waiter took the task")
		}
		select {
		case got := <-second:
			if got.CompositeName != "ash" {
				t.Fatalf("dequeued %s", got.CompositeName)
			}
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: pending task left with a blocked waiter", i)
		}
		q.Close()
	}
}

func TestCloseWakesAll(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Dequeue(context.Background()); ok {
				t.Error("dequeue returned a task after close")
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("close did not wake blocked slots")
	}

	if q.Enqueue(task("ash", 1, 0)) {
		t.Fatal("enqueue accepted after close")
	}
}

func TestDrain(t *testing.T) {
	q := New()
	q.Enqueue(task("a", 1, 0))
	q.Enqueue(task("b", 2, 0))

	drained := q.Drain()
	if len(drained) != 2 || drained[0].CompositeName != "b" {
		t.Fatalf("drained = %+v", drained)
	}
	if q.Len() != 0 || q.Active() != 0 {
		t.Fatalf("len = %d, active = %d", q.Len(), q.Active())
	}
	if !q.Enqueue(task("a", 1, 0)) {
		t.Fatal("drained key still claimed")
	}
}

func TestConcurrentEnqueueDedup(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Enqueue(task("true_color", 1, 0)) {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 || q.Len() != 1 {
		t.Fatalf("inserted = %d, len = %d", inserted, q.Len())
	}
}

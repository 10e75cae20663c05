// Package queue holds the pending tasks of one process in priority order.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// historySize bounds the number of terminal statuses kept for Status lookups.
const historySize = 1024

// item is a heap entry.
type item struct {
	task model.Task
	seq  uint64
}

// taskHeap orders by priority desc, created_at asc, insertion order asc.
type taskHeap []item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// Queue is a mutex-protected priority queue with duplicate suppression on
// the (scene_timestamp, composite_name) key. It is safe for concurrent use.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending taskHeap
	active  map[string]model.TaskStatus // pending or in_progress keys

	history      map[string]model.TaskStatus
	historyOrder []string

	seq    uint64
	closed bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		active:  make(map[string]model.TaskStatus),
		history: make(map[string]model.TaskStatus),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue inserts task unless a task with the same key is pending or in
// progress. It reports whether the task was inserted.
func (q *Queue) Enqueue(task model.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	key := task.Key()
	if _, ok := q.active[key]; ok {
		return false
	}

	task.Status = model.TaskStatusPending
	q.active[key] = model.TaskStatusPending
	q.push(task)
	return true
}

// Requeue puts an in-progress task back as pending, keeping its key claimed.
// It reports false when the queue is closed.
func (q *Queue) Requeue(task model.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	task.Status = model.TaskStatusPending
	q.active[task.Key()] = model.TaskStatusPending
	q.push(task)
	return true
}

func (q *Queue) push(task model.Task) {
	q.seq++
	heap.Push(&q.pending, item{task: task, seq: q.seq})
	q.cond.Signal()
}

// Dequeue removes and returns the highest-priority pending task, blocking
// while the queue is empty. It returns false once ctx is done or the queue
// is closed.
func (q *Queue) Dequeue(ctx context.Context) (model.Task, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 {
		if q.closed || ctx.Err() != nil {
			return model.Task{}, false
		}
		q.cond.Wait()
	}
	if q.closed || ctx.Err() != nil {
		// Pass the wake-up on to a waiter that can take the task.
		q.cond.Signal()
		return model.Task{}, false
	}

	it := heap.Pop(&q.pending).(item)
	return it.task, true
}

// MarkInProgress records that a slot started working on task.
func (q *Queue) MarkInProgress(task model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active[task.Key()] = model.TaskStatusInProgress
}

// MarkDone releases the key of task and remembers its terminal status.
func (q *Queue) MarkDone(task model.Task, status model.TaskStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := task.Key()
	delete(q.active, key)

	if _, ok := q.history[key]; !ok {
		q.historyOrder = append(q.historyOrder, key)
		if len(q.historyOrder) > historySize {
			delete(q.history, q.historyOrder[0])
			q.historyOrder = q.historyOrder[1:]
		}
	}
	q.history[key] = status
}

// Release forgets an active key without recording a terminal status, used
// when a task is handed back to the task service.
func (q *Queue) Release(task model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, task.Key())
}

// Status returns the last known status of key.
func (q *Queue) Status(key string) (model.TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s, ok := q.active[key]; ok {
		return s, true
	}
	s, ok := q.history[key]
	return s, ok
}

// Drain removes and returns all pending tasks in dequeue order.
// Their keys are released.
func (q *Queue) Drain() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Task, 0, len(q.pending))
	for len(q.pending) > 0 {
		it := heap.Pop(&q.pending).(item)
		delete(q.active, it.task.Key())
		out = append(out, it.task)
	}
	return out
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Active returns the number of pending and in-progress keys.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.active)
}

// Close wakes every blocked Dequeue; later enqueues are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

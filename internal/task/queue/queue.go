// Package queue holds pending scheduler tasks in (due, priority, sequence)
// order.
//
// Queue is a plain data structure: it owns no goroutines and is not safe for
// concurrent use. The scheduler serializes all access under its own lock.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned for tasks that cannot be ordered or run.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Action is the work a task performs. Arguments are bound by closure.
type Action func(ctx context.Context) error

// Handle identifies one pending task. The zero Handle is never issued.
type Handle struct {
	id uint64
}

func (h Handle) IsZero() bool { return h.id == 0 }

func (h Handle) String() string { return fmt.Sprintf("task#%d", h.id) }

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// Task is a scheduled unit of work.
type Task struct {
	Due      time.Time
	Priority int
	Name     string
	Action   Action

	// Timeout bounds a single run; 0 defers to the scheduler default.
	Timeout time.Duration

	// Recur re-arms the task after each run. nil means one-shot.
	Recur cron.Schedule

	id       uint64
	seq      uint64
	index    int
	canceled bool
}

func (t *Task) Handle() Handle { return Handle{id: t.id} }
func (t *Task) Seq() uint64    { return t.seq }
func (t *Task) Canceled() bool { return t.canceled }
func (t *Task) MarkCanceled()  { t.canceled = true }
func (t *Task) Periodic() bool { return t.Recur != nil }
func (t *Task) queued() bool   { return t.index >= 0 }

// less orders by due time, then priority, then insertion sequence.
func less(a, b *Task) bool {
	if !a.Due.Equal(b.Due) {
		return a.Due.Before(b.Due)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

// taskHeap implements heap.Interface and keeps each task's index current so
// removal by handle is O(log n).
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue is a min-heap of tasks plus an id index for cancellation.
type Queue struct {
	tasks taskHeap
	byID  map[uint64]*Task

	nextID  uint64
	nextSeq uint64
}

func New() *Queue {
	return &Queue{byID: map[uint64]*Task{}}
}

// Insert validates t, assigns a fresh sequence number, and queues it.
// A task that has never been queued also gets a new handle; a periodic task
// being re-armed keeps the handle it already has.
func (q *Queue) Insert(t *Task) (Handle, error) {
	if t == nil {
		return Handle{}, fmt.Errorf("%w: nil task", ErrInvalidSchedule)
	}
	if t.Action == nil {
		return Handle{}, fmt.Errorf("%w: nil action", ErrInvalidSchedule)
	}
	if t.Due.IsZero() {
		return Handle{}, fmt.Errorf("%w: zero due time", ErrInvalidSchedule)
	}
	if t.id != 0 && t.queued() {
		return Handle{}, fmt.Errorf("%w: %s already queued", ErrInvalidSchedule, t.Handle())
	}
	if t.id == 0 {
		q.nextID++
		t.id = q.nextID
	}
	q.nextSeq++
	t.seq = q.nextSeq
	t.canceled = false
	heap.Push(&q.tasks, t)
	q.byID[t.id] = t
	return t.Handle(), nil
}

// Peek returns the next task without removing it.
func (q *Queue) Peek() (*Task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	return q.tasks[0], true
}

// PopIfDue removes and returns the next task only if it is due at now.
func (q *Queue) PopIfDue(now time.Time) (*Task, bool) {
	t, ok := q.Peek()
	if !ok || t.Due.After(now) {
		return nil, false
	}
	heap.Pop(&q.tasks)
	delete(q.byID, t.id)
	return t, true
}

// Remove drops the task for h if it is still pending. Removing an unknown,
// already-run, or already-removed handle reports false.
func (q *Queue) Remove(h Handle) bool {
	t, ok := q.byID[h.id]
	if !ok {
		return false
	}
	heap.Remove(&q.tasks, t.index)
	delete(q.byID, h.id)
	t.canceled = true
	return true
}

// Lookup returns the pending task for h.
func (q *Queue) Lookup(h Handle) (*Task, bool) {
	t, ok := q.byID[h.id]
	return t, ok
}

// Clear discards every pending task and returns how many were dropped.
func (q *Queue) Clear() int {
	n := len(q.tasks)
	for _, t := range q.tasks {
		t.canceled = true
		t.index = -1
	}
	q.tasks = nil
	q.byID = map[uint64]*Task{}
	return n
}

func (q *Queue) Len() int      { return len(q.tasks) }
func (q *Queue) IsEmpty() bool { return len(q.tasks) == 0 }

// Tasks returns copies of the pending tasks in pop order.
func (q *Queue) Tasks() []Task {
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

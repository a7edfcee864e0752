package scheduler

import (
	"fmt"
	"time"

	"schedd/internal/task/queue"
)

// ErrInvalidSchedule is returned synchronously for requests that cannot be
// queued: nil actions, zero due times, non-positive intervals.
var ErrInvalidSchedule = queue.ErrInvalidSchedule

// TaskError wraps a failure raised by a task's action. It is handed to
// Config.OnError and the log, never returned from the public API.
type TaskError struct {
	Handle Handle
	Name   string
	Due    time.Time
	Err    error

	// Panic is the recovered value when the action panicked.
	Panic any
	Stack string
}

func (e *TaskError) Error() string {
	name := e.Name
	if name == "" {
		name = e.Handle.String()
	}
	return fmt.Sprintf("task %s: %v", name, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

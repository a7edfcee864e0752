package scheduler

import (
	"time"

	"schedd/internal/task/clock"
	"schedd/internal/task/queue"
)

type (
	Handle = queue.Handle
	Action = queue.Action
)

// Config is fixed at construction except for the fields Apply may change.
type Config struct {
	// Clock defaults to clock.System().
	Clock clock.Clock

	// DrainHorizon extends the graceful-stop cutoff past the moment Stop is
	// called: tasks due at or before stopTime+DrainHorizon run before the
	// worker exits. A negative value drains every task pending at stop time.
	DrainHorizon time.Duration

	// DefaultTimeout bounds a run when the task has no Timeout. 0 disables it.
	DefaultTimeout time.Duration

	// HistorySize caps the in-memory run history (default 200).
	HistorySize int

	// ErrorLogRate limits task-failure warnings per second (default 5).
	// OnError is always called regardless of this limit.
	ErrorLogRate float64

	// OnError receives every task failure. nil means failures are only logged.
	OnError func(*TaskError)
}

const (
	defaultHistorySize  = 200
	defaultErrorLogRate = 5
)

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.ErrorLogRate <= 0 {
		c.ErrorLogRate = defaultErrorLogRate
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// State is the worker lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StopMode selects how Stop treats pending work.
type StopMode int

const (
	// StopDrain runs tasks due by the drain cutoff, then exits. Stop blocks
	// until the worker is gone or its context ends.
	// With the default DrainHorizon of 0 only tasks already due run; set
	// DrainHorizon to also run tasks due shortly after Stop.
	StopDrain StopMode = iota
	// StopNow abandons the current wait and returns immediately. A task that
	// is already executing is allowed to finish.
	StopNow
)

type stopRequest struct {
	mode   StopMode
	cutoff time.Time
}

// Option adjusts a task before it is queued.
type Option func(*queue.Task)

// WithName labels the task in logs, events and history.
func WithName(name string) Option {
	return func(t *queue.Task) { t.Name = name }
}

// WithTimeout bounds each run of the task.
func WithTimeout(d time.Duration) Option {
	return func(t *queue.Task) {
		if d > 0 {
			t.Timeout = d
		}
	}
}

type HistoryItem struct {
	Handle   string
	Name     string
	Due      time.Time
	Started  time.Time
	Lateness time.Duration
	Duration time.Duration
	Error    string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	Handle   string        `json:"handle"`
	Name     string        `json:"name"`
	Due      time.Time     `json:"due"`
	Started  time.Time     `json:"started,omitempty"`
	Lateness time.Duration `json:"lateness,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Periodic bool          `json:"periodic,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// TaskInfo describes a pending task.
type TaskInfo struct {
	Handle   Handle
	Name     string
	Due      time.Time
	Priority int
	Periodic bool
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State    State
	Pending  int
	NextDue  time.Time
	Running  string
	Executed uint64
	Failed   uint64
	Canceled uint64
	Cleared  uint64
	Upcoming []TaskInfo
	History  []HistoryItem
}

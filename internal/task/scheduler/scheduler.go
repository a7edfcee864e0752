package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/msync"
	"github.com/creachadair/msync/trigger"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"schedd/internal/eventbus"
	"schedd/internal/runtime/supervisor"
	"schedd/internal/task/clock"
	"schedd/internal/task/queue"
	"schedd/pkg/logx"
)

type Scheduler struct {
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	// wake is level-triggered: any number of Sets between two worker waits
	// collapse into one wakeup.
	wake *msync.Flag[struct{}]
	// idle is set while the queue is empty and nothing is executing.
	idle *trigger.Cond

	mu       sync.Mutex
	cfg      Config
	q        *queue.Queue
	state    State
	stop     *stopRequest
	sup      *supervisor.Supervisor
	running  *queue.Task
	canceled uint64
	cleared  uint64

	executed atomic.Uint64
	failed   atomic.Uint64

	failLimiter *rate.Limiter
	onError     func(*TaskError)

	histMu  sync.Mutex
	history []HistoryItem
}

// New builds a stopped scheduler. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		clock:       cfg.Clock,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		wake:        msync.NewFlag[struct{}](),
		idle:        trigger.New(),
		cfg:         cfg,
		q:           queue.New(),
		failLimiter: rate.NewLimiter(rate.Limit(cfg.ErrorLogRate), int(cfg.ErrorLogRate)+1),
		onError:     cfg.OnError,
	}
	s.idle.Set()
	return s
}

// Apply updates the runtime-tunable settings. Clock and OnError are kept.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.Clock = s.cfg.Clock
	cfg.OnError = s.cfg.OnError
	s.cfg = cfg
	s.mu.Unlock()

	s.failLimiter.SetLimit(rate.Limit(cfg.ErrorLogRate))
	s.failLimiter.SetBurst(int(cfg.ErrorLogRate) + 1)

	s.histMu.Lock()
	if over := len(s.history) - cfg.HistorySize; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.histMu.Unlock()
}

// Enter schedules action to run after delay. A zero or negative delay means
// as soon as possible.
func (s *Scheduler) Enter(delay time.Duration, priority int, action Action, opts ...Option) (Handle, error) {
	return s.EnterAt(s.clock.Now().Add(delay), priority, action, opts...)
}

// EnterAt schedules action to run at due. A due time in the past is run
// immediately, still ordered by (due, priority).
func (s *Scheduler) EnterAt(due time.Time, priority int, action Action, opts ...Option) (Handle, error) {
	return s.insert(&queue.Task{Due: due, Priority: priority, Action: action}, opts)
}

// Every schedules action at a fixed rate, first run one interval from now.
func (s *Scheduler) Every(every time.Duration, priority int, action Action, opts ...Option) (Handle, error) {
	if every <= 0 {
		return Handle{}, fmt.Errorf("%w: interval %s must be positive", ErrInvalidSchedule, every)
	}
	return s.Repeat(Interval(every), priority, action, opts...)
}

// Repeat schedules action on an arbitrary recurrence. The first run is
// recur.Next(now); a recurrence returning the zero time ends the series.
func (s *Scheduler) Repeat(recur cron.Schedule, priority int, action Action, opts ...Option) (Handle, error) {
	if recur == nil {
		return Handle{}, fmt.Errorf("%w: nil recurrence", ErrInvalidSchedule)
	}
	first := recur.Next(s.clock.Now())
	if first.IsZero() {
		return Handle{}, fmt.Errorf("%w: recurrence has no next run", ErrInvalidSchedule)
	}
	return s.insert(&queue.Task{Due: first, Priority: priority, Action: action, Recur: recur}, opts)
}

func (s *Scheduler) insert(t *queue.Task, opts []Option) (Handle, error) {
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	s.mu.Lock()
	h, err := s.q.Insert(t)
	if err == nil {
		s.idle.Reset()
	}
	s.mu.Unlock()
	if err != nil {
		return Handle{}, err
	}
	s.signal()
	s.log.Debug("task scheduled",
		logx.String("task", h.String()),
		logx.String("name", t.Name),
		logx.Time("due", t.Due),
		logx.Int("priority", t.Priority),
		logx.Bool("periodic", t.Periodic()),
	)
	return h, nil
}

// Cancel removes a pending task. It reports false for unknown handles and
// for one-shot tasks that already ran or are running. A periodic task that
// is executing right now is not re-armed and Cancel reports true.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	t, _ := s.q.Lookup(h)
	removed := s.q.Remove(h)
	if !removed && s.running != nil && s.running.Handle() == h && s.running.Periodic() && !s.running.Canceled() {
		t = s.running
		t.MarkCanceled()
		removed = true
	}
	if removed {
		s.canceled++
		s.markIdleLocked()
	}
	s.mu.Unlock()
	if !removed {
		return false
	}
	s.signal()
	s.log.Debug("task canceled", logx.String("task", h.String()), logx.String("name", t.Name))
	s.publish(eventbus.TaskCanceled, TaskEvent{Handle: h.String(), Name: t.Name, Due: t.Due, Periodic: t.Periodic()})
	return true
}

// Clear drops every pending task and returns how many were dropped. A
// periodic task executing right now is not re-armed.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	n := s.q.Clear()
	if s.running != nil && s.running.Periodic() {
		s.running.MarkCanceled()
	}
	s.cleared += uint64(n)
	s.markIdleLocked()
	s.mu.Unlock()
	s.signal()
	if n > 0 {
		s.log.Info("queue cleared", logx.Int("dropped", n))
		s.publish(eventbus.QueueCleared, n)
	}
	return n
}

// Len is the number of pending tasks. A task being executed is not counted.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until no task is pending or executing, or ctx ends. It does
// not start the worker.
func (s *Scheduler) Wait(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.q.IsEmpty() && s.running == nil {
			s.mu.Unlock()
			return true
		}
		ready := s.idle.Ready()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-ready:
		}
	}
}

// Snapshot returns a copy of the scheduler's observable state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:    s.state,
		Pending:  s.q.Len(),
		Canceled: s.canceled,
		Cleared:  s.cleared,
	}
	if head, ok := s.q.Peek(); ok {
		snap.NextDue = head.Due
	}
	if s.running != nil {
		snap.Running = taskLabel(s.running)
	}
	tasks := s.q.Tasks()
	s.mu.Unlock()

	snap.Upcoming = make([]TaskInfo, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		snap.Upcoming = append(snap.Upcoming, TaskInfo{
			Handle:   t.Handle(),
			Name:     t.Name,
			Due:      t.Due,
			Priority: t.Priority,
			Periodic: t.Periodic(),
		})
	}
	snap.Executed = s.executed.Load()
	snap.Failed = s.failed.Load()

	s.histMu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.histMu.Unlock()
	return snap
}

func (s *Scheduler) signal() { s.wake.Set(struct{}{}) }

// markIdleLocked must be called with s.mu held.
func (s *Scheduler) markIdleLocked() {
	if s.q.IsEmpty() && s.running == nil {
		s.idle.Set()
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

func taskLabel(t *queue.Task) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Handle().String()
}

package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"schedd/internal/eventbus"
	"schedd/internal/runtime/supervisor"
	"schedd/internal/task/queue"
	"schedd/pkg/logx"
)

// Start launches the worker. It is a no-op while running. If a previous
// worker is still stopping, Start waits for it to exit first. Canceling ctx
// has the effect of Stop(ctx, StopNow).
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.state == StateStopping {
		prev := s.sup
		s.mu.Unlock()
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.state == StateRunning {
		s.mu.Unlock()
		return
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.state = StateRunning
	s.stop = nil
	s.sup = sup
	pending := s.q.Len()
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Int("pending", pending))
	s.publish(eventbus.SchedulerStarted, pending)
	sup.Go("scheduler.worker", func(ctx context.Context) error {
		defer sup.Cancel()
		return s.run(ctx)
	})
}

// Stop ends the worker. With StopDrain it first runs tasks due by the drain
// cutoff and blocks until the worker exits or ctx ends, returning ctx.Err()
// in the latter case. With StopNow it returns at once. Pending tasks stay
// queued either way and run after the next Start.
func (s *Scheduler) Stop(ctx context.Context, mode StopMode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if s.stop == nil {
		s.stop = &stopRequest{mode: mode, cutoff: s.drainCutoffLocked()}
	} else if mode == StopNow {
		s.stop.mode = StopNow
	}
	s.state = StateStopping
	sup := s.sup
	s.mu.Unlock()

	s.signal()
	if mode == StopNow {
		return nil
	}
	select {
	case <-sup.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainCutoffLocked() time.Time {
	now := s.clock.Now()
	if s.cfg.DrainHorizon >= 0 {
		return now.Add(s.cfg.DrainHorizon)
	}
	// Drain everything queued right now. Periodic tasks re-armed during the
	// drain land past this cutoff, so the drain always terminates.
	cutoff := now
	for _, t := range s.q.Tasks() {
		if t.Due.After(cutoff) {
			cutoff = t.Due
		}
	}
	return cutoff
}

func (s *Scheduler) run(ctx context.Context) error {
	defer s.exit()
	for {
		t, deadline, done := s.next(ctx)
		if done {
			return nil
		}
		if t == nil {
			s.clock.WaitUntil(ctx, deadline, s.wake.Ready())
			continue
		}
		ran, err := s.execute(ctx, t)
		if ran {
			s.finish(t, err)
		}
	}
}

// next decides the worker's next step under the lock. It returns a task
// that was popped and must be executed, or a deadline to sleep until (zero
// means until woken), or done when the worker should exit.
func (s *Scheduler) next(ctx context.Context) (*queue.Task, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return nil, time.Time{}, true
	}
	req := s.stop
	if req != nil && req.mode == StopNow {
		return nil, time.Time{}, true
	}
	head, ok := s.q.Peek()
	if req != nil && (!ok || head.Due.After(req.cutoff)) {
		return nil, time.Time{}, true
	}
	if !ok {
		s.markIdleLocked()
		return nil, time.Time{}, false
	}
	t, ok := s.q.PopIfDue(s.clock.Now())
	if !ok {
		return nil, head.Due, false
	}
	s.running = t
	return t, time.Time{}, false
}

func (s *Scheduler) exit() {
	s.mu.Lock()
	mode := "context"
	if s.stop != nil {
		mode = "drain"
		if s.stop.mode == StopNow {
			mode = "now"
		}
	}
	s.state = StateStopped
	s.stop = nil
	pending := s.q.Len()
	s.mu.Unlock()

	s.log.Info("scheduler stopped", logx.String("mode", mode), logx.Int("pending", pending))
	s.publish(eventbus.SchedulerStopped, pending)
}

// execute runs one action outside the lock with panic recovery and the
// task's timeout applied. It reports ran=false when the task was canceled
// after being popped; the running slot is released in that case.
func (s *Scheduler) execute(ctx context.Context, t *queue.Task) (ran bool, err error) {
	started := s.clock.Now()

	s.mu.Lock()
	if t.Canceled() {
		s.running = nil
		s.markIdleLocked()
		s.mu.Unlock()
		s.log.Debug("task canceled before run", logx.String("task", t.Handle().String()), logx.String("name", t.Name))
		return false, nil
	}
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()

	ev := TaskEvent{
		Handle:   t.Handle().String(),
		Name:     t.Name,
		Due:      t.Due,
		Started:  started,
		Lateness: started.Sub(t.Due),
		Periodic: t.Periodic(),
	}
	s.publish(eventbus.TaskStarted, ev)

	if t.Timeout > 0 {
		timeout = t.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		panicked any
		stack    string
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = r
				stack = string(debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = t.Action(runCtx)
	}()

	ev.Duration = s.clock.Now().Sub(started)
	s.executed.Add(1)
	if err != nil {
		ev.Error = err.Error()
		s.reportFailure(&TaskError{
			Handle: t.Handle(),
			Name:   t.Name,
			Due:    t.Due,
			Err:    err,
			Panic:  panicked,
			Stack:  stack,
		})
		s.publish(eventbus.TaskFailed, ev)
	} else {
		s.log.Debug("task finished",
			logx.String("task", ev.Handle),
			logx.String("name", t.Name),
			logx.Duration("lateness", ev.Lateness),
			logx.Duration("took", ev.Duration),
		)
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(ev)
	return true, err
}

// finish clears the running slot and re-arms periodic tasks.
func (s *Scheduler) finish(t *queue.Task, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = nil
	if t.Periodic() && !t.Canceled() {
		next := nextDue(t.Recur, t.Due, s.clock.Now())
		if next.IsZero() {
			s.log.Debug("recurrence ended", logx.String("task", t.Handle().String()), logx.String("name", t.Name))
		} else {
			t.Due = next
			if _, err := s.q.Insert(t); err != nil {
				s.log.Warn("re-arm failed", logx.String("task", t.Handle().String()), logx.Err(err))
			}
		}
	}
	s.markIdleLocked()
}

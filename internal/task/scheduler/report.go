package scheduler

import "schedd/pkg/logx"

func (s *Scheduler) reportFailure(te *TaskError) {
	s.failed.Add(1)

	if fn := s.onError; fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("error handler panic", logx.Any("panic", r))
				}
			}()
			fn(te)
		}()
	}

	if !s.failLimiter.Allow() {
		return
	}
	fields := []logx.Field{
		logx.String("task", te.Handle.String()),
		logx.String("name", te.Name),
		logx.Time("due", te.Due),
		logx.Err(te.Err),
	}
	if te.Panic != nil {
		fields = append(fields, logx.Stack(te.Stack))
		s.log.Error("task panic", fields...)
		return
	}
	s.log.Warn("task failed", fields...)
}

func (s *Scheduler) record(ev TaskEvent) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.history = append(s.history, HistoryItem{
		Handle:   ev.Handle,
		Name:     ev.Name,
		Due:      ev.Due,
		Started:  ev.Started,
		Lateness: ev.Lateness,
		Duration: ev.Duration,
		Error:    ev.Error,
	})
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

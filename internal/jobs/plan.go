package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedd/internal/config"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
)

// Plan is a job resolved against a point in time: what runs, and when it
// first runs.
type Plan struct {
	Name     string
	Kind     string
	Priority int
	Timeout  time.Duration

	// Due is set for one-shot jobs.
	Due time.Time
	// Every, Recur and Jitter are set for periodic jobs.
	Every  time.Duration
	Recur  cron.Schedule
	Jitter time.Duration

	Action scheduler.Action
}

func (p Plan) Periodic() bool { return p.Recur != nil }

// FirstRun is when the job will first fire if scheduled at now.
func (p Plan) FirstRun(now time.Time) time.Time {
	if p.Periodic() {
		return p.Recur.Next(now)
	}
	return p.Due
}

// Build resolves jc. Timing fields are relative to now.
func Build(jc config.JobConfig, now time.Time, log logx.Logger) (Plan, error) {
	p := Plan{
		Name:     strings.TrimSpace(jc.Name),
		Kind:     jc.Kind,
		Priority: jc.Priority,
	}
	path := "jobs[" + p.Name + "]"

	var err error
	if p.Timeout, err = config.ParseDurationField(path+".timeout", jc.Timeout); err != nil {
		return Plan{}, err
	}

	switch {
	case strings.TrimSpace(jc.Every) != "":
		if p.Every, err = config.ParseDurationField(path+".every", jc.Every); err != nil {
			return Plan{}, err
		}
		if p.Every <= 0 {
			return Plan{}, fmt.Errorf("%s.every: must be > 0", path)
		}
		spread, err := config.ParseDurationField(path+".spread", jc.Spread)
		if err != nil {
			return Plan{}, err
		}
		p.Recur, p.Jitter = everySchedule(p.Every, spread, now, p.Name)
	case strings.TrimSpace(jc.At) != "":
		if p.Due, err = config.ParseTimeField(path+".at", jc.At); err != nil {
			return Plan{}, err
		}
	default:
		delay, err := config.ParseDurationField(path+".delay", jc.Delay)
		if err != nil {
			return Plan{}, err
		}
		p.Due = now.Add(delay)
	}

	if p.Action, err = newAction(jc, log); err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Scheduler is the part of *scheduler.Scheduler that jobs need.
type Scheduler interface {
	EnterAt(due time.Time, priority int, action scheduler.Action, opts ...scheduler.Option) (scheduler.Handle, error)
	Repeat(recur cron.Schedule, priority int, action scheduler.Action, opts ...scheduler.Option) (scheduler.Handle, error)
	Cancel(h scheduler.Handle) bool
}

func (p Plan) schedule(s Scheduler) (scheduler.Handle, error) {
	opts := []scheduler.Option{scheduler.WithName(p.Name)}
	if p.Timeout > 0 {
		opts = append(opts, scheduler.WithTimeout(p.Timeout))
	}
	if p.Periodic() {
		return s.Repeat(p.Recur, p.Priority, p.Action, opts...)
	}
	return s.EnterAt(p.Due, p.Priority, p.Action, opts...)
}

package jobs

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"schedd/internal/config"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
)

type entry struct {
	cfg    config.JobConfig
	plan   Plan
	handle scheduler.Handle
}

// Registry tracks which configured jobs are scheduled, keyed by name.
type Registry struct {
	sched Scheduler
	log   logx.Logger
	now   func() time.Time

	mu   sync.Mutex
	jobs map[string]entry
}

// SyncResult lists job names by what Sync did with them.
type SyncResult struct {
	Added    []string
	Replaced []string
	Removed  []string
	Kept     int
}

func (r SyncResult) Changed() bool {
	return len(r.Added)+len(r.Replaced)+len(r.Removed) > 0
}

func NewRegistry(s Scheduler, log logx.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sched: s,
		log:   log.With(logx.String("comp", "jobs")),
		now:   now,
		jobs:  map[string]entry{},
	}
}

// Sync makes the scheduled set match jobs. Unchanged jobs keep their
// pending task; changed ones are canceled and rescheduled; disabled or
// missing ones are canceled. A job that fails to build is skipped and
// reported, and the rest are still applied.
func (r *Registry) Sync(jobs []config.JobConfig) (SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res  SyncResult
		errs *multierror.Error
		now  = r.now()
	)
	want := make(map[string]config.JobConfig, len(jobs))
	for _, jc := range jobs {
		name := strings.TrimSpace(jc.Name)
		if name == "" || jc.Disabled {
			continue
		}
		want[name] = jc
	}

	for name, e := range r.jobs {
		if _, ok := want[name]; ok {
			continue
		}
		r.sched.Cancel(e.handle)
		delete(r.jobs, name)
		res.Removed = append(res.Removed, name)
	}

	for name, jc := range want {
		old, exists := r.jobs[name]
		if exists && reflect.DeepEqual(old.cfg, jc) {
			res.Kept++
			continue
		}
		plan, err := Build(jc, now, r.log)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if exists {
			r.sched.Cancel(old.handle)
			delete(r.jobs, name)
		}
		h, err := plan.schedule(r.sched)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedule %s: %w", name, err))
			continue
		}
		r.jobs[name] = entry{cfg: jc, plan: plan, handle: h}
		if exists {
			res.Replaced = append(res.Replaced, name)
		} else {
			res.Added = append(res.Added, name)
		}
		r.log.Debug("job scheduled",
			logx.String("job", name),
			logx.String("task", h.String()),
			logx.Time("first_run", plan.FirstRun(now)),
			logx.Duration("jitter", plan.Jitter),
		)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Replaced)
	sort.Strings(res.Removed)
	return res, errs.ErrorOrNil()
}

// Handle returns the task handle of a scheduled job.
func (r *Registry) Handle(name string) (scheduler.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	return e.handle, ok
}

// Names returns the scheduled job names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CancelAll cancels every scheduled job and forgets it.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, e := range r.jobs {
		if r.sched.Cancel(e.handle) {
			n++
		}
		delete(r.jobs, name)
	}
	return n
}

package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"schedd/internal/config"
	"schedd/internal/eventbus"
	"schedd/internal/jobs"
	"schedd/internal/observability/pprof"
	"schedd/internal/runtime/supervisor"
	"schedd/internal/storage"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Scheduler
	jobs  *jobs.Registry
	debug *pprof.Service

	stopMu      sync.Mutex
	stopTimeout time.Duration
	stopped     bool

	recDone  chan struct{}
	recUnsub func()
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.NewService(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	if err := validateJobs(cfg, appLog); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	schedCfg, stopTimeout, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(schedCfg, log, bus)

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         appLog,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		sched:       sched,
		jobs:        jobs.NewRegistry(sched, log, nil),
		stopTimeout: stopTimeout,
	}
	a.debug = pprof.New(debugCfg, log.With(logx.String("comp", "debug")), a.Status)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Status is the document served at the debug listener's /status.
type Status struct {
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Jobs       []string            `json:"jobs"`
	Goroutines supervisor.Counters `json:"goroutines"`
	Events     eventbus.Stats      `json:"events"`
}

func (a *App) Status() any {
	st := Status{
		Scheduler: a.sched.Snapshot(),
		Jobs:      a.jobs.Names(),
		Events:    a.bus.Stats(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Counters()
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateJobs(cfg, a.log)
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, eventbus.TaskFinished, eventbus.TaskFailed)
		a.recUnsub = unsub
		a.recDone = make(chan struct{})
		go func() {
			defer close(a.recDone)
			recordRuns(a.store, a.log.With(logx.String("comp", "recorder")), events)
		}()
	}

	res, err := a.jobs.Sync(a.cfgm.Get().Jobs)
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	a.log.Info("jobs scheduled", logx.Int("count", len(res.Added)))

	// The scheduler outlives the supervisor context so Stop can drain it.
	a.sched.Start(context.WithoutCancel(ctx))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if debugCfg, err := mapDebugConfig(a.cfgm.Get()); err == nil {
		a.debug.Reconfigure(ctx, debugCfg)
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "scheduler":
			schedCfg, stopTimeout, err := mapSchedulerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(schedCfg)
			a.stopMu.Lock()
			a.stopTimeout = stopTimeout
			a.stopMu.Unlock()
		case "debug":
			debugCfg, err := mapDebugConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
				continue
			}
			a.debug.Reconfigure(a.sup.Context(), debugCfg)
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "jobs":
			res, err := a.jobs.Sync(newCfg.Jobs)
			if err != nil {
				a.log.Warn("some jobs were not rescheduled", logx.Err(err))
			}
			a.log.Info("jobs synced",
				logx.Any("added", res.Added),
				logx.Any("replaced", res.Replaced),
				logx.Any("removed", res.Removed),
				logx.Any("changed", changedJobs),
			)
		}
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// validateJobs builds every job so a reload with a job that cannot be
// constructed is rejected before anything is canceled.
func validateJobs(cfg *config.Config, log logx.Logger) error {
	var errs *multierror.Error
	now := time.Now()
	for _, jc := range cfg.Jobs {
		if jc.Disabled {
			continue
		}
		if _, err := jobs.Build(jc, now, logx.Nop()); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Debug("job validation failed", logx.Err(err))
		return err
	}
	return nil
}

// Stop drains the scheduler, then shuts down the remaining components. Each
// step is bounded so one component cannot stall the whole stop. Errors from
// every step are returned together.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopMu.Lock()
	if a.sup == nil || a.stopped {
		a.stopMu.Unlock()
		return nil
	}
	a.stopped = true
	stopTimeout := a.stopTimeout
	a.stopMu.Unlock()

	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop config watch/reload first so no reload races the drain.
	a.sup.Cancel()

	var errs *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("scheduler", stopTimeout, func(c context.Context) error {
		err := a.sched.Stop(c, scheduler.StopDrain)
		if err != nil {
			_ = a.sched.Stop(context.Background(), scheduler.StopNow)
		}
		return err
	})
	step("recorder", time.Second, func(c context.Context) error {
		if a.recUnsub == nil {
			return nil
		}
		a.recUnsub()
		select {
		case <-a.recDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("debug", 2*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	err := errs.ErrorOrNil()
	if err != nil {
		a.log.Warn("stopped with errors", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs fn with an upper bound that never extends the caller's deadline.
// If fn ignores its context, step returns at the deadline and logs when fn
// eventually finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"schedd/pkg/systemd"
)

// SchedulerSettings is SchedulerConfig with durations parsed and defaults
// applied.
type SchedulerSettings struct {
	DrainHorizon   time.Duration
	DrainAll       bool
	DefaultTimeout time.Duration
	StopTimeout    time.Duration
	HistorySize    int
	ErrorLogRate   float64
}

const defaultStopTimeout = 10 * time.Second

func (c SchedulerConfig) Settings() (SchedulerSettings, error) {
	var (
		s    = SchedulerSettings{DrainAll: c.DrainAll, HistorySize: c.HistorySize, ErrorLogRate: c.ErrorLogRate}
		errs *multierror.Error
		err  error
	)
	if s.DrainHorizon, err = ParseDurationField("scheduler.drain_horizon", c.DrainHorizon); err != nil {
		errs = multierror.Append(errs, err)
	}
	if s.DefaultTimeout, err = ParseDurationField("scheduler.default_timeout", c.DefaultTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	if s.StopTimeout, err = ParseDurationOrDefault("scheduler.stop_timeout", c.StopTimeout, defaultStopTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.HistorySize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("scheduler.history_size: must be >= 0"))
	}
	if c.ErrorLogRate < 0 {
		errs = multierror.Append(errs, fmt.Errorf("scheduler.error_log_rate: must be >= 0"))
	}
	return s, errs.ErrorOrNil()
}

// DebugSettings is DebugConfig with durations parsed and defaults applied.
type DebugSettings struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

func (c DebugConfig) Settings() (DebugSettings, error) {
	var (
		s = DebugSettings{
			Enabled:       c.Enabled,
			Addr:          strings.TrimSpace(c.Addr),
			Prefix:        strings.TrimSpace(c.Prefix),
			Token:         strings.TrimSpace(c.Token),
			AllowInsecure: c.AllowInsecure,
		}
		errs *multierror.Error
		err  error
	)
	if s.Addr == "" {
		s.Addr = "127.0.0.1:6060"
	}
	if s.Prefix == "" {
		s.Prefix = "/debug/pprof/"
	}
	if s.ReadTimeout, err = ParseDurationOrDefault("debug.read_timeout", c.ReadTimeout, 5*time.Second); err != nil {
		errs = multierror.Append(errs, err)
	}
	if s.WriteTimeout, err = ParseDurationField("debug.write_timeout", c.WriteTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	if s.IdleTimeout, err = ParseDurationOrDefault("debug.idle_timeout", c.IdleTimeout, 120*time.Second); err != nil {
		errs = multierror.Append(errs, err)
	}
	return s, errs.ErrorOrNil()
}

// Validate reports every problem found in cfg, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("logging.format: want console or json, got %q", cfg.Logging.Format))
	}
	if cfg.Logging.File.MaxSizeMB < 0 {
		errs = multierror.Append(errs, fmt.Errorf("logging.file.max_size_mb: must be >= 0"))
	}

	if _, err := cfg.Scheduler.Settings(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if _, err := cfg.Debug.Settings(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "sqlite3":
		default:
			errs = multierror.Append(errs, fmt.Errorf("storage.driver: unsupported %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("jobs[%s]", name)
			if _, dup := seen[name]; dup {
				errs = multierror.Append(errs, fmt.Errorf("%s: duplicate name", path))
			}
			seen[name] = struct{}{}
		}
		if err := validateJob(path, j); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func validateJob(path string, j JobConfig) error {
	var errs *multierror.Error

	switch j.Kind {
	case KindExec:
		if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.command: required for exec jobs", path))
		}
	case KindLog:
		if strings.TrimSpace(j.Message) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.message: required for log jobs", path))
		}
	case KindSystemd:
		if strings.TrimSpace(j.Unit) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.unit: required for systemd jobs", path))
		}
		if _, err := systemd.ParseAction(j.UnitAction); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.unit_action: %w", path, err))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("%s.kind: must be one of %q, %q, %q; got %q", path, KindExec, KindLog, KindSystemd, j.Kind))
	}

	timings := 0
	for _, v := range []string{j.Delay, j.At, j.Every} {
		if strings.TrimSpace(v) != "" {
			timings++
		}
	}
	if timings != 1 {
		errs = multierror.Append(errs, fmt.Errorf("%s: exactly one of delay, at, every is required", path))
	}
	if _, err := ParseDurationField(path+".delay", j.Delay); err != nil {
		errs = multierror.Append(errs, err)
	}
	if strings.TrimSpace(j.At) != "" {
		if _, err := ParseTimeField(path+".at", j.At); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if strings.TrimSpace(j.Every) != "" {
		d, err := ParseDurationField(path+".every", j.Every)
		if err != nil {
			errs = multierror.Append(errs, err)
		} else if d <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s.every: must be > 0", path))
		}
	}
	if strings.TrimSpace(j.Spread) != "" && strings.TrimSpace(j.Every) == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s.spread: only valid with every", path))
	}
	if _, err := ParseDurationField(path+".spread", j.Spread); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

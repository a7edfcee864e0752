package app

import (
	"fmt"
	"strings"
	"time"

	"schedd/internal/config"
	"schedd/internal/observability/pprof"
	"schedd/internal/storage"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled:   cfg.Logging.File.Enabled,
			Path:      cfg.Logging.File.Path,
			MaxSizeMB: cfg.Logging.File.MaxSizeMB,
		},
	}
}

// mapSchedulerConfig returns the scheduler settings and the graceful stop
// timeout.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	s, err := cfg.Scheduler.Settings()
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	horizon := s.DrainHorizon
	if s.DrainAll {
		horizon = -1
	}
	return scheduler.Config{
		DrainHorizon:   horizon,
		DefaultTimeout: s.DefaultTimeout,
		HistorySize:    s.HistorySize,
		ErrorLogRate:   s.ErrorLogRate,
	}, s.StopTimeout, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (pprof.Config, error) {
	d, err := cfg.Debug.Settings()
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Prefix:        d.Prefix,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   d.ReadTimeout,
		WriteTimeout:  d.WriteTimeout,
		IdleTimeout:   d.IdleTimeout,
	}, nil
}

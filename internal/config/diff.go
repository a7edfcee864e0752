package config

import (
	"sort"
	"strings"

	"schedd/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) structured attrs for logging, and (3) the names of jobs that were
// added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.drain_horizon", strings.TrimSpace(s.DrainHorizon)),
			logx.Bool("scheduler.drain_all", s.DrainAll),
			logx.String("scheduler.default_timeout", strings.TrimSpace(s.DefaultTimeout)),
			logx.Int("scheduler.history_size", s.HistorySize),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobs)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(jobs []JobConfig) map[string]fingerprint {
		m := make(map[string]fingerprint, len(jobs))
		for _, j := range jobs {
			m[strings.TrimSpace(j.Name)] = fingerprintOf(j)
		}
		return m
	}
	o, n := index(oldJobs), index(newJobs)

	out := make([]string, 0)
	for name, fp := range n {
		if ofp, ok := o[name]; !ok || !ofp.same(fp) {
			out = append(out, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

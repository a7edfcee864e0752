package config

// Config is the daemon configuration. JSON and YAML files decode into the
// same structure; unknown keys are rejected in both.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug"`
	Jobs      []JobConfig     `json:"jobs"`
}

// LoggingConfig selects level and sinks. format applies to the console
// sink: "console" (default) or "json" for journald and log shippers.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeMB int    `json:"max_size_mb,omitempty"` // 0 disables rotation
}

// SchedulerConfig tunes the task scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - drain_horizon: "0s" (graceful stop runs only tasks already due)
//   - drain_all: false
//   - default_timeout: "0s" (disabled)
//   - stop_timeout: "10s"
//   - history_size: 200
//   - error_log_rate: 5
type SchedulerConfig struct {
	DrainHorizon string `json:"drain_horizon,omitempty"`
	// DrainAll makes a graceful stop run every pending task first.
	DrainAll       bool    `json:"drain_all,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	StopTimeout    string  `json:"stop_timeout,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
	ErrorLogRate   float64 `json:"error_log_rate,omitempty"`
}

// StorageConfig controls run-history persistence. A nil section disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional HTTP listener serving pprof profiles,
// a liveness probe and a JSON view of the scheduler.
//
// A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"` // default /debug/pprof/
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`  // default 5s
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0 (disabled)
	IdleTimeout  string `json:"idle_timeout,omitempty"`  // default 120s
}

// Job kinds.
const (
	KindExec    = "exec"
	KindLog     = "log"
	KindSystemd = "systemd"
)

// JobConfig declares one scheduled job. Exactly one of Delay, At or Every
// must be set.
type JobConfig struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Disabled bool   `json:"disabled,omitempty"`
	Priority int    `json:"priority,omitempty"`

	// Delay runs the job once, this long after it is loaded.
	Delay string `json:"delay,omitempty"`
	// At runs the job once at an RFC 3339 timestamp.
	At string `json:"at,omitempty"`
	// Every runs the job periodically.
	Every string `json:"every,omitempty"`
	// Spread randomizes the first run of an Every job within this window.
	Spread string `json:"spread,omitempty"`

	Timeout string `json:"timeout,omitempty"`

	// exec
	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	// log
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	// systemd
	Unit       string `json:"unit,omitempty"`
	UnitAction string `json:"unit_action,omitempty"` // start|stop|restart|reload-or-restart
}

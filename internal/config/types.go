package config

import "myschedule/internal/task/scheduler"

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Storage   StorageConfig   `json:"storage"`
	Admin     AdminConfig     `json:"admin"`

	// Jobs are defined on startup. Existing triggers keep their persisted
	// state; only missing triggers are scheduled.
	Jobs []scheduler.JobDefinition `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the coordinator loop.
//
// Defaults (when fields are omitted/zero):
//   - instance_id: "NON_CLUSTERED"
//   - tick_interval: "100ms"
//   - batch_size: 16
//   - misfire_threshold: "60s"
//   - retry_base / retry_max_delay: "200ms" / "10s"
//   - completion_retries: 5
type SchedulerConfig struct {
	InstanceID        string `json:"instance_id,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	TickInterval      string `json:"tick_interval,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	MisfireThreshold  string `json:"misfire_threshold,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
	CompletionRetries int    `json:"completion_retries,omitempty"`
}

// EngineConfig controls the execution pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - default_timeout: "0s" (disabled)
//   - retry_base / retry_max_delay: "500ms" / "15s"
//   - history_size: 200
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the job store. Changes need a restart.
//
// Example:
//
//	storage: { driver: sqlite, path: ./myschedule.db }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	HistorySize  int    `json:"history_size,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// AdminConfig controls the management HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

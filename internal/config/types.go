package config

type Config struct {
	// Timezone is the wall-clock zone used for ticks and "today".
	// A timezone set inside the schedule document wins over this one.
	Timezone string `json:"timezone,omitempty"`

	// ScheduleFile points at the schedule document (JSON or YAML). It is read
	// once at startup; edits require a restart.
	ScheduleFile string `json:"schedule_file"`

	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the periodic tick trigger.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of triggered ticks.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`
	HTTP     HTTPConfig      `json:"http"`
	Delivery DeliveryConfig  `json:"delivery"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 1
//   - queue_size: 64
//   - default_timeout: "50s"
//   - max_queue_delay: "45s"
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a single task run. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// A tick that waited past its minute is worthless, so keep this under 1m.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	// CatchUp lets a tick also evaluate minutes skipped since the previous
	// tick of the same day. "0s" (default) keeps exact-minute matching.
	CatchUp string `json:"catch_up,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./shiftbell.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; prefer SHIFTBELL_DATABASE_URL
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// HTTPConfig controls the JSON API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":3000"

	// CORSOrigins is an exact whitelist; CORSOriginSuffixes admits any origin
	// whose host ends with one of the suffixes (e.g. ".github.io").
	CORSOrigins        []string `json:"cors_origins,omitempty"`
	CORSOriginSuffixes []string `json:"cors_origin_suffixes,omitempty"`

	// TickToken guards POST /api/tick. Empty leaves the endpoint open.
	TickToken string `json:"tick_token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// DeliveryConfig picks where block notifications go.
type DeliveryConfig struct {
	// DefaultChannel is used for recipients registered without a channel.
	// Default: "telegram" when telegram is enabled, else "log".
	DefaultChannel string `json:"default_channel,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is the stdout format: "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is a cron expression (5 fields) or "interval:<duration>".
	// Default: every minute.
	Tick string `json:"tick,omitempty"`

	// Trigger timezone. Default: top-level timezone.
	Timezone string `json:"timezone,omitempty"`
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "shiftbell/pkg/logx"
)

const DefaultTick = "* * * * *"

// Validate checks values that Parse cannot catch. It is also the hot-reload
// validator, so it must not touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := cfg.Location(); err != nil {
		add(err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add(fmt.Errorf("logging.format: want %q or %q, got %q", logx.FormatConsole, logx.FormatJSON, cfg.Logging.Format))
	}

	if te := cfg.TaskEngine; te != nil {
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			add(errors.New("task_engine: counts must be >= 0"))
		}
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
			"notifier.catch_up":        n.CatchUp,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file", "sqlite":
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(s.DSN) == "" {
				add(fmt.Errorf("storage.dsn is required for driver %q (or set %s)", s.Driver, EnvDatabaseURL))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required when telegram is enabled (or set %s)", EnvTelegramToken))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)

	return errors.Join(errs...)
}

// Location resolves the top-level timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// SchedulerLocation is the trigger timezone: scheduler.timezone, then the
// top-level timezone.
func (c *Config) SchedulerLocation() *time.Location {
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	loc, err := c.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) TickSpec() string {
	if s := strings.TrimSpace(c.Scheduler.Tick); s != "" {
		return s
	}
	return DefaultTick
}

// TaskEngineEnabled defaults to scheduler.enabled when task_engine.enabled is omitted.
func (c *Config) TaskEngineEnabled() bool {
	if c.TaskEngine != nil && c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}

// DefaultNotifier is the notifier section used when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      10,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "24h",
		DedupMaxEntries: 5000,
	}
}

func (c *Config) NotifierOrDefault() NotifierConfig {
	if c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

func (c *Config) DefaultChannel() string {
	if ch := strings.TrimSpace(c.Delivery.DefaultChannel); ch != "" {
		return ch
	}
	if c.Telegram.Enabled {
		return "telegram"
	}
	return "log"
}

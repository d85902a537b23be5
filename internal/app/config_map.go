package app

import (
	"fmt"
	"strings"
	"time"

	"shiftbell/internal/config"
	"shiftbell/internal/httpapi"
	"shiftbell/internal/notifier"
	"shiftbell/internal/storage"
	"shiftbell/internal/task/engine"
	"shiftbell/internal/task/scheduler"
	"shiftbell/internal/transport/telegram"
	logx "shiftbell/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

// mapTaskEngineConfig fills engine defaults. A tick is only useful within its
// minute, so the queue is small and stale ticks are dropped quickly.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{
		Enabled:        cfg.TaskEngineEnabled(),
		Workers:        1,
		QueueSize:      64,
		DefaultTimeout: 50 * time.Second,
		MaxQueueDelay:  45 * time.Second,
		HistorySize:    200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	// An explicit "0s" disables the bound, so only empty keeps the default.
	var err error
	if strings.TrimSpace(te.DefaultTimeout) != "" {
		if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return engine.Config{}, err
		}
	}
	if strings.TrimSpace(te.MaxQueueDelay) != "" {
		if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.SchedulerLocation().String(),
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.NotifierOrDefault()
	def := config.DefaultNotifier()
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, config.MustDuration(def.RetryBase, 500*time.Millisecond))
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, config.MustDuration(def.RetryMaxDelay, 10*time.Second))
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, config.MustDuration(def.DedupWindow, 24*time.Hour))
	if err != nil {
		return notifier.Config{}, err
	}
	driver := ""
	if cfg.Storage != nil {
		driver = cfg.Storage.Driver
	}
	persist := nc.PersistDedup && storage.Persistent(driver)
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    persist,
	}, nil
}

func mapCatchUp(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("notifier.catch_up", cfg.NotifierOrDefault().CatchUp, 0)
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Addr:               addr,
		CORSOrigins:        cfg.HTTP.CORSOrigins,
		CORSOriginSuffixes: cfg.HTTP.CORSOriginSuffixes,
		TickToken:          strings.TrimSpace(cfg.HTTP.TickToken),
		DefaultChannel:     cfg.DefaultChannel(),
		ReadTimeout:        read,
		WriteTimeout:       write,
	}, nil
}

package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets belong here rather than in the config file.
const (
	EnvTelegramToken = "SHIFTBELL_TELEGRAM_TOKEN"
	EnvHTTPAddr      = "SHIFTBELL_HTTP_ADDR"
	EnvPort          = "PORT"
	EnvDatabaseURL   = "SHIFTBELL_DATABASE_URL"
	EnvTickToken     = "SHIFTBELL_TICK_TOKEN"
	EnvLogLevel      = "SHIFTBELL_LOG_LEVEL"
)

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set are kept; missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// ApplyEnv overlays SHIFTBELL_* variables on cfg. lookup defaults to
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	} else if v, ok := get(EnvPort); ok {
		cfg.HTTP.Addr = ":" + v
	}
	if v, ok := get(EnvDatabaseURL); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvTickToken); ok {
		cfg.HTTP.TickToken = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
}

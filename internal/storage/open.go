package storage

import (
	"context"
	"fmt"
	"strings"

	logx "shiftbell/pkg/logx"
)

// Open initializes the configured store. An empty driver, "none" or
// "memory" yields an in-memory store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Persistent reports whether the driver keeps data across restarts.
func Persistent(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "memory":
		return false
	default:
		return true
	}
}

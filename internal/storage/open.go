package storage

import (
	"fmt"
	"strings"

	logx "runq/pkg/logx"
)

// Open initializes the configured backend.
// An empty driver selects the memory backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driverName(driver)))

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}

	switch driver {
	case "", "none", "memory", "mem":
		return NewMemory(), nil
	case "redis":
		return openRedis(cfg.Redis, prefix, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, prefix, log)
	case "file":
		return openFile(cfg, prefix, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "memory", "mem", "redis", "sqlite", "sqlite3", "file":
		return true
	}
	return false
}

// IsDurable reports whether driver keeps data across restarts.
func IsDurable(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis", "sqlite", "sqlite3", "file":
		return true
	}
	return false
}

func driverName(driver string) string {
	if driver == "" || driver == "none" || driver == "mem" {
		return "memory"
	}
	return driver
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"runq/internal/queue"
	"runq/internal/storage"
	"runq/internal/task/flush"
	logx "runq/pkg/logx"
)

// Validate reports every problem in cfg at once.
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

	if cfg.Scheduler.Concurrency <= 0 {
		add(fmt.Errorf("scheduler.concurrency: must be > 0 (got %d)", cfg.Scheduler.Concurrency))
	}
	if cfg.Scheduler.HistorySize < 0 {
		add(errors.New("scheduler.history_size: must be >= 0"))
	}
	_, err := Duration("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, 0)
	add(err)

	if _, err := queue.Build[struct{}](QueueEntries(cfg.Queues), cfg.Scheduler.DefaultQueue); err != nil {
		add(fmt.Errorf("queues: %w", err))
	}

	add(validateStorage(cfg.Storage))
	add(validateFlush(cfg.Flush))
	add(validateHTTP(cfg.HTTP))

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	return errors.Join(errs...)
}

// QueueEntries maps the queue list onto registry entries, keeping order.
func QueueEntries(qs []QueueConfig) []queue.Entry {
	out := make([]queue.Entry, 0, len(qs))
	for _, q := range qs {
		out = append(out, queue.Entry{Name: q.Name, Weight: q.Weight})
	}
	return out
}

func validateStorage(s StorageConfig) error {
	var errs []error
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if !storage.ValidDriver(driver) {
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	switch driver {
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(s.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for %s driver", driver))
		}
	case "redis":
		if s.Redis.Port < 0 || s.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("storage.redis.port: out of range (%d)", s.Redis.Port))
		}
		if s.Redis.DB < 0 {
			errs = append(errs, errors.New("storage.redis.db: must be >= 0"))
		}
	}
	if strings.ContainsAny(s.Prefix, " \t\n") {
		errs = append(errs, errors.New("storage.prefix: must not contain whitespace"))
	}
	if _, err := Duration("storage.busy_timeout", s.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := Duration("storage.redis.dial_timeout", s.Redis.DialTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateFlush(f FlushConfig) error {
	var errs []error
	if f.Enabled {
		if _, err := flush.ParseSchedule(f.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("flush.schedule: %w", err))
		}
	}
	if _, err := Duration("flush.timeout", f.Timeout, 0); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateHTTP(h HTTPConfig) error {
	if !h.Enabled {
		return nil
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return errors.New("http.addr: required when http.enabled")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	return nil
}

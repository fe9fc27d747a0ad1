package app

import (
	"strings"
	"time"

	"runq/internal/config"
	"runq/internal/storage"
)

const (
	defaultBusyTimeout = time.Second
	defaultDialTimeout = 2 * time.Second
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	dial, err := config.Duration("storage.redis.dial_timeout", sc.Redis.DialTimeout, defaultDialTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Prefix:      strings.TrimSpace(sc.Prefix),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Host:        strings.TrimSpace(sc.Redis.Host),
			Port:        sc.Redis.Port,
			DB:          sc.Redis.DB,
			Username:    sc.Redis.Username,
			Password:    sc.Redis.Password,
			DialTimeout: dial,
		},
	}, nil
}

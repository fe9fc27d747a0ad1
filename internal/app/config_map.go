package app

import (
	"time"

	"runq/internal/api"
	"runq/internal/config"
	"runq/internal/task/engine"
	"runq/internal/task/flush"
	logx "runq/pkg/logx"
)

const (
	defaultDrainTimeout = 10 * time.Second
	defaultFlushTimeout = 5 * time.Second

	httpReadTimeout  = 10 * time.Second
	httpWriteTimeout = 90 * time.Second
	httpIdleTimeout  = 60 * time.Second
)

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Concurrency:        cfg.Scheduler.Concurrency,
		DefaultQueue:       cfg.Scheduler.DefaultQueue,
		Queues:             config.QueueEntries(cfg.Queues),
		HistorySize:        cfg.Scheduler.HistorySize,
		RestoreConcurrency: cfg.Scheduler.RestoreConcurrency,
	}
}

func mapFlushConfig(cfg *config.Config) flush.Config {
	return flush.Config{
		Enabled:  cfg.Flush.Enabled,
		Schedule: cfg.Flush.Schedule,
		Timezone: cfg.Flush.Timezone,
		Timeout:  config.MustDuration(cfg.Flush.Timeout, defaultFlushTimeout),
	}
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          cfg.HTTP.Addr,
		Token:         cfg.HTTP.Token,
		AllowInsecure: cfg.HTTP.AllowInsecure,
		ReadTimeout:   httpReadTimeout,
		WriteTimeout:  httpWriteTimeout,
		IdleTimeout:   httpIdleTimeout,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func drainTimeout(cfg *config.Config) time.Duration {
	return config.MustDuration(cfg.Scheduler.DrainTimeout, defaultDrainTimeout)
}

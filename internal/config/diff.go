package config

import (
	"reflect"
	"strings"

	logx "runq/pkg/logx"
)

// Change summarizes a reload.
//
// Fields never carry secrets: tokens and passwords appear only as "_set"
// booleans.
type Change struct {
	Sections []string
	Fields   []logx.Field
	// Restart lists sections that changed but only take effect after a
	// restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	section := func(name string, restart bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, name)
		ch.Fields = append(ch.Fields, fields...)
		if restart {
			ch.Restart = append(ch.Restart, name)
		}
	}

	os, ns := oldCfg.Scheduler, newCfg.Scheduler
	if os.Concurrency != ns.Concurrency || os.HistorySize != ns.HistorySize ||
		strings.TrimSpace(os.DrainTimeout) != strings.TrimSpace(ns.DrainTimeout) ||
		os.RestoreConcurrency != ns.RestoreConcurrency {
		section("scheduler", false,
			logx.Int("scheduler.concurrency", ns.Concurrency),
			logx.String("scheduler.drain_timeout", strings.TrimSpace(ns.DrainTimeout)),
		)
	}
	if strings.TrimSpace(os.DefaultQueue) != strings.TrimSpace(ns.DefaultQueue) ||
		!reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		section("queues", true, logx.Int("queues.count", len(newCfg.Queues)))
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Prefix) != strings.TrimSpace(nst.Prefix) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) ||
		ost.Redis != nst.Redis {
		section("storage", true,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.String("storage.redis.host", nst.Redis.Host),
			logx.Bool("storage.redis.password_set", nst.Redis.Password != ""),
		)
	}

	of, nf := oldCfg.Flush, newCfg.Flush
	if of.Enabled != nf.Enabled || strings.TrimSpace(of.Schedule) != strings.TrimSpace(nf.Schedule) ||
		strings.TrimSpace(of.Timezone) != strings.TrimSpace(nf.Timezone) ||
		strings.TrimSpace(of.Timeout) != strings.TrimSpace(nf.Timeout) ||
		of.FlushOnShutdown() != nf.FlushOnShutdown() {
		section("flush", false,
			logx.Bool("flush.enabled", nf.Enabled),
			logx.String("flush.schedule", strings.TrimSpace(nf.Schedule)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.Token != nh.Token || oh.AllowInsecure != nh.AllowInsecure || oh.Pprof != nh.Pprof {
		section("http", false,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		section("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	return ch
}

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"runq/internal/api"
	"runq/internal/config"
	"runq/internal/eventbus"
	"runq/internal/runtime/supervisor"
	"runq/internal/storage"
	"runq/internal/task/engine"
	"runq/internal/task/flush"
	logx "runq/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	sd   *sdNotifier

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Mem

	backend storage.Backend
	sched   *engine.Scheduler
	flush   *flush.Service
	handler *api.Handler
	api     *api.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	backend, err := storage.Open(sc, root)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	sched, err := engine.New(mapEngineConfig(cfg), backend, root, bus)
	if err != nil {
		_ = backend.Cleanup(context.Background())
		logSvc.Close()
		return nil, err
	}

	flushSvc := flush.New(mapFlushConfig(cfg), sched, root)
	handler := api.NewHandler(sched, root.With(logx.String("comp", "api")),
		api.WithFlushStatus(flushSvc.Snapshot),
		api.WithPprof(cfg.HTTP.Pprof),
	)

	log.Info("runq configured",
		logx.String("config", cfgPath),
		logx.String("storage", sc.Driver),
		logx.Int("concurrency", cfg.Scheduler.Concurrency),
		logx.Int("queues", len(cfg.Queues)),
	)

	return &App{
		cfgm:    cfgm,
		sd:      newSDNotifier(log),
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		sched:   sched,
		flush:   flushSvc,
		handler: handler,
		api:     api.New(mapAPIConfig(cfg), handler, root),
	}, nil
}

func (a *App) Scheduler() *engine.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)

	a.restore(ctx)

	if err := a.flush.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("flush trigger: %w", err)
	}
	a.api.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only: task events fire for every unit of work.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// restore reads the persisted snapshot and re-persists the active limit.
// Neither step is fatal: the scheduler keeps admitting work without a
// backend.
func (a *App) restore(ctx context.Context) {
	if err := a.sched.Restore(ctx); err != nil {
		a.log.Warn("restore failed; starting empty", logx.Err(err))
	}
	if rec := a.sched.Recovered(); !rec.Empty() {
		a.log.Info("previous run left tracked work",
			logx.Int("pending", rec.PendingCount()),
			logx.Int("running", len(rec.Running)),
			logx.Int("concurrency", rec.Concurrency),
		)
	}
	if err := a.sched.SetConcurrency(ctx, a.sched.Concurrency()); err != nil {
		a.log.Warn("persist concurrency failed", logx.Err(err))
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if n := newCfg.Scheduler.Concurrency; n != a.sched.Concurrency() {
		if err := a.sched.SetConcurrency(ctx, n); err != nil {
			a.log.Warn("concurrency applied but not persisted", logx.Int("concurrency", n), logx.Err(err))
		}
	}

	if err := a.flush.Apply(mapFlushConfig(newCfg)); err != nil {
		a.log.Warn("invalid flush config; trigger stopped", logx.Err(err))
	}

	a.handler.SetPprof(newCfg.HTTP.Pprof)
	a.api.Reconfigure(a.sup.Context(), mapAPIConfig(newCfg))

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the app run context so background loops start unwinding.
	a.sup.Cancel()

	cfg := a.cfgm.Get()

	// step runs one shutdown step bounded by max and the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("flush.trigger", 2*time.Second, func(c context.Context) error { a.flush.Stop(c); return nil })

	if d := drainTimeout(cfg); d > 0 {
		step("drain", d, func(c context.Context) error {
			if err := a.sched.Drain(c); err != nil {
				return fmt.Errorf("%d task(s) still running: %w", a.sched.RunningCount(), err)
			}
			return nil
		})
	}
	if cfg.Flush.FlushOnShutdown() {
		step("flush.final", config.MustDuration(cfg.Flush.Timeout, defaultFlushTimeout), a.sched.Flush)
	}
	step("cleanup", 2*time.Second, a.sched.Cleanup)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

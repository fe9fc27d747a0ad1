package flush

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "runq/pkg/logx"
)

const defaultTimeout = 5 * time.Second

// Flusher persists state. *engine.Scheduler implements it.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	Timeout  time.Duration
}

type Service struct {
	flusher Flusher
	log     logx.Logger

	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	entry cron.EntryID
	loc   *time.Location
	sched Schedule

	runs     atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
	lastRun  atomic.Int64 // unix nano
}

func New(cfg Config, f Flusher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, flusher: f, log: log.With(logx.String("comp", "flush"))}
}

// Start installs the cron trigger. It is a no-op when disabled or already
// started.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	cs, err := sched.cronSchedule()
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.entry = c.Schedule(cs, cron.FuncJob(s.tick))
	s.c = c
	s.loc = loc
	s.sched = sched
	c.Start()
	s.log.Info("flush trigger started", logx.String("schedule", sched.String()), logx.String("tz", loc.String()))
	return nil
}

// Stop removes the trigger and waits for a running flush, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("flush trigger stopped")
}

// Apply swaps the config. A running trigger restarts when the schedule,
// timezone or enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	changed := prev.Enabled != cfg.Enabled ||
		strings.TrimSpace(prev.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !changed {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.entry = 0
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if !cfg.Enabled {
		s.log.Info("flush trigger disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) tick() {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.RunNow(ctx)
}

// RunNow flushes once, outside the schedule.
func (s *Service) RunNow(ctx context.Context) error {
	start := time.Now()
	s.runs.Add(1)
	s.lastRun.Store(start.UnixNano())
	err := s.flusher.Flush(ctx)
	if err != nil {
		s.failures.Add(1)
		s.lastErr.Store(err.Error())
		// The scheduler already rate-limits its own warning.
		s.log.Debug("flush failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}
	s.lastErr.Store("")
	return nil
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Schedule string    `json:"schedule,omitempty"`
	Timezone string    `json:"timezone,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastErr  string    `json:"last_err,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil}
	if s.c != nil {
		e := s.c.Entry(s.entry)
		snap.Next, snap.Prev = e.Next, e.Prev
		snap.Schedule = s.sched.String()
		snap.Timezone = s.loc.String()
	}
	s.mu.Unlock()

	snap.Runs = s.runs.Load()
	snap.Failures = s.failures.Load()
	if v, ok := s.lastErr.Load().(string); ok {
		snap.LastErr = v
	}
	if n := s.lastRun.Load(); n != 0 {
		snap.LastRun = time.Unix(0, n)
	}
	return snap
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "runq/pkg/logx"
)

// Supervisor runs named goroutines under one context.
//
// Panics are recovered and reported as errors. The first error is kept for
// Err; with WithCancelOnError it also cancels every sibling.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	errOnce  sync.Once
	firstErr atomic.Value // error

	mu    sync.Mutex
	stats map[string]*Stats
}

// Stats describes every run of one goroutine name.
type Stats struct {
	Name     string    `json:"name"`
	Active   int       `json:"active"`
	Starts   uint64    `json:"starts"`
	Restarts uint64    `json:"restarts"`
	Panics   uint64    `json:"panics"`
	LastErr  string    `json:"last_err,omitempty"`
	LastStop time.Time `json:"last_stop,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the supervisor context on the first error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error reported by a goroutine.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A returned context.Canceled is a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.begin(name, false)
		err := s.call(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.end(name, err)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
}

type RestartOption func(*restartCfg)

// WithBackoff sets the exponential restart delay window.
func WithBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it with backoff after an error or panic,
// until the context ends. A nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			started := time.Now()
			s.begin(name, restarts > 0)
			err := s.call(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.end(name, nil)
				return
			}
			s.end(name, err)

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// A long healthy run resets the delay.
			if time.Since(started) >= cfg.maxBackoff {
				backoff = cfg.minBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

// call runs fn, converting a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.statsLocked(name).Panics++
			s.mu.Unlock()
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) statsLocked(name string) *Stats {
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) begin(name string, restart bool) {
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Active++
	st.Starts++
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	s.log.Debug("goroutine started", logx.String("name", name))
}

func (s *Supervisor) end(name string, err error) {
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Active--
	st.LastStop = time.Now()
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
	s.log.Debug("goroutine stopped", logx.String("name", name))
}

// Snapshot returns per-name stats sorted by name.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels and waits, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned and reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

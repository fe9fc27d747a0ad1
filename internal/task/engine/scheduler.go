package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"runq/internal/eventbus"
	"runq/internal/queue"
	"runq/internal/storage"
	logx "runq/pkg/logx"
)

const backendWarnEvery = 5 * time.Second

// Scheduler multiplexes submitted work over a bounded number of slots.
//
// All bookkeeping runs under mu. Work runs in its own goroutine and only
// takes mu again to report completion.
type Scheduler struct {
	log     logx.Logger
	bus     eventbus.Bus
	backend storage.Backend
	since   time.Time

	restoreConcurrency bool
	historySize        int

	mu          sync.Mutex
	concurrency int
	reg         *queue.Registry[*pendingTask]
	running     map[string]*runningTask
	pending     map[string]struct{}
	idle        chan struct{} // closed while nothing runs
	seq         uint64
	recovered   storage.State

	hmu     sync.Mutex
	history []HistoryItem

	submitted     atomic.Uint64
	started       atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	panicked      atomic.Uint64
	backendErrors atomic.Uint64

	warnLimiter *rate.Limiter
}

// New builds a Scheduler. A nil backend selects the memory backend and a
// nil bus disables events.
func New(cfg Config, backend storage.Backend, log logx.Logger, bus eventbus.Bus) (*Scheduler, error) {
	if cfg.Concurrency <= 0 {
		return nil, invalidConcurrency(cfg.Concurrency)
	}
	reg, err := queue.Build[*pendingTask](cfg.Queues, cfg.DefaultQueue)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		backend = storage.NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	idle := make(chan struct{})
	close(idle)

	return &Scheduler{
		log:                log.With(logx.String("comp", "engine")),
		bus:                bus,
		backend:            backend,
		since:              time.Now(),
		restoreConcurrency: cfg.RestoreConcurrency,
		historySize:        cfg.HistorySize,
		concurrency:        cfg.Concurrency,
		reg:                reg,
		running:            map[string]*runningTask{},
		pending:            map[string]struct{}{},
		idle:               idle,
		warnLimiter:        rate.NewLimiter(rate.Every(backendWarnEvery), 1),
	}, nil
}

// Submit admits t. It starts t at once when a slot is free and nothing is
// waiting, otherwise t joins its queue. Submit never blocks on work.
//
// An unregistered queue fails with *UnknownQueueError and changes nothing.
func (s *Scheduler) Submit(t Task) (string, error) {
	if t.Run == nil {
		return "", ErrNilWork
	}
	t.ID = strings.TrimSpace(t.ID)
	t.Queue = strings.TrimSpace(t.Queue)
	t.Name = strings.TrimSpace(t.Name)

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Queue == "" {
		t.Queue = s.reg.DefaultName()
	}
	if !s.reg.Has(t.Queue) {
		return "", &queue.UnknownQueueError{Name: t.Queue}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if s.trackedLocked(t.ID) {
		return "", duplicateTask(t.ID)
	}
	if t.Name == "" {
		t.Name = t.Queue
	}
	s.submitted.Add(1)

	p := &pendingTask{task: t, queuedAt: now}
	if len(s.running) < s.concurrency && !s.reg.AnyPending() {
		s.dispatchLocked(p, now)
		return t.ID, nil
	}

	// Has() was checked above, Push cannot fail.
	_ = s.reg.Push(t.Queue, p)
	s.pending[t.ID] = struct{}{}
	s.publish(eventbus.TaskQueued, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue})
	s.log.Trace("task.queued", logx.String("id", t.ID), logx.String("task", t.Name), logx.String("queue", t.Queue))
	s.fillLocked(now)
	return t.ID, nil
}

// SubmitFunc is Submit for a bare function.
func (s *Scheduler) SubmitFunc(queueName, name string, fn Work) (string, error) {
	return s.Submit(Task{Name: name, Queue: queueName, Run: fn})
}

func (s *Scheduler) trackedLocked(id string) bool {
	if _, ok := s.running[id]; ok {
		return true
	}
	_, ok := s.pending[id]
	return ok
}

// fillLocked starts pending work by priority until no slot is free.
func (s *Scheduler) fillLocked(now time.Time) {
	for len(s.running) < s.concurrency {
		p, _, ok := s.reg.SelectNext()
		if !ok {
			return
		}
		delete(s.pending, p.task.ID)
		s.dispatchLocked(p, now)
	}
}

func (s *Scheduler) dispatchLocked(p *pendingTask, now time.Time) {
	s.seq++
	rt := &runningTask{
		task:       p.task,
		seq:        s.seq,
		started:    now,
		queueDelay: now.Sub(p.queuedAt),
	}
	// A completion refilling its own slot finds running empty while idle is
	// still open; only a closed channel is replaced.
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
	s.running[rt.task.ID] = rt
	s.started.Add(1)

	s.publish(eventbus.TaskStarted, TaskEvent{
		ID: rt.task.ID, Name: rt.task.Name, Queue: rt.task.Queue,
		Started: rt.started, QueueDelay: rt.queueDelay,
	})
	go s.run(rt)
}

func (s *Scheduler) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

// Drain blocks until nothing is running. It returns at once when idle.
func (s *Scheduler) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunForever blocks until ctx is done, whether or not work is running.
func (s *Scheduler) RunForever(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Cleanup forgets every running and pending task, then cleans up the backend.
//
// Work already dispatched keeps running in the background, untracked; its
// completion frees no slot. Call Drain first for a quiet shutdown.
func (s *Scheduler) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	dropped := len(s.running)
	pending := s.reg.PendingLen()
	s.running = map[string]*runningTask{}
	s.pending = map[string]struct{}{}
	s.reg.Clear()
	s.markIdleLocked()
	s.mu.Unlock()

	if dropped > 0 || pending > 0 {
		s.log.Warn("scheduler cleanup dropped tracked work",
			logx.Int("running", dropped), logx.Int("pending", pending))
	}
	s.publish(eventbus.SchedulerCleanup, map[string]int{"running": dropped, "pending": pending})

	if err := s.backend.Cleanup(ctx); err != nil {
		s.backendFailed("cleanup", err)
		return err
	}
	return nil
}

// SetConcurrency changes the slot count. Raising it starts waiting work at
// once; lowering it stops nothing that already runs. The new value is
// persisted best-effort.
func (s *Scheduler) SetConcurrency(ctx context.Context, n int) error {
	if n <= 0 {
		return invalidConcurrency(n)
	}
	s.mu.Lock()
	prev := s.concurrency
	s.concurrency = n
	s.fillLocked(time.Now())
	s.mu.Unlock()

	if prev != n {
		s.log.Info("concurrency changed", logx.Int("from", prev), logx.Int("to", n))
		s.publish(eventbus.SchedulerConcurrency, map[string]int{"from": prev, "to": n})
	}
	if err := s.backend.SetConcurrency(ctx, n); err != nil {
		s.backendFailed("set concurrency", err)
		return err
	}
	return nil
}

func (s *Scheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) HasPendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.AnyPending()
}

func (s *Scheduler) IsRegisteredQueue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Has(name)
}

func (s *Scheduler) DefaultQueue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.DefaultName()
}

// PendingCount returns the number of items waiting in the named queue.
func (s *Scheduler) PendingCount(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.reg.Lookup(name)
	if err != nil {
		return 0, err
	}
	return q.Len(), nil
}

// Queues returns the registered queues in registration order.
func (s *Scheduler) Queues() []QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuesLocked()
}

func (s *Scheduler) queuesLocked() []QueueStatus {
	qs := s.reg.Queues()
	out := make([]QueueStatus, 0, len(qs))
	for _, q := range qs {
		out = append(out, QueueStatus{Name: q.Name(), Weight: q.Weight(), Pending: q.Len()})
	}
	return out
}

func (s *Scheduler) Counters() Counters {
	return Counters{
		Submitted:     s.submitted.Load(),
		Started:       s.started.Load(),
		Succeeded:     s.succeeded.Load(),
		Failed:        s.failed.Load(),
		Panicked:      s.panicked.Load(),
		BackendErrors: s.backendErrors.Load(),
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Since:       s.since,
		Concurrency: s.concurrency,
		Running:     len(s.running),
		Pending:     s.reg.PendingLen(),
		Queues:      s.queuesLocked(),
		Tasks:       make([]TaskInfo, 0, len(s.running)),
	}
	for _, rt := range s.runningLocked() {
		st.Tasks = append(st.Tasks, rt.info())
	}
	s.mu.Unlock()

	st.Counters = s.Counters()
	s.hmu.Lock()
	st.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return st
}

// runningLocked returns running entries in dispatch order.
func (s *Scheduler) runningLocked() []*runningTask {
	out := make([]*runningTask, 0, len(s.running))
	for _, rt := range s.running {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// backendFailed logs a persistence failure. Repeats within backendWarnEvery
// go to debug so an outage does not flood the log.
func (s *Scheduler) backendFailed(op string, err error) {
	n := s.backendErrors.Add(1)
	if s.warnLimiter.Allow() {
		s.log.Warn("storage operation failed; continuing in memory",
			logx.String("op", op), logx.Err(err), logx.Uint64("backend_errors", n))
		return
	}
	s.log.Debug("storage operation failed", logx.String("op", op), logx.Err(err))
}

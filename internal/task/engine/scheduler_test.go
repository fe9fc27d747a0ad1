package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runq/internal/eventbus"
	"runq/internal/queue"
	"runq/internal/storage"
	logx "runq/pkg/logx"
)

const waitFor = 2 * time.Second

// gate hands out work that reports its start and blocks until opened.
type gate struct {
	started chan string

	mu      sync.Mutex
	release map[string]chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 256), release: map[string]chan struct{}{}}
}

func (g *gate) work(name string) Work {
	ch := make(chan struct{})
	g.mu.Lock()
	g.release[name] = ch
	g.mu.Unlock()
	return func(context.Context) error {
		g.started <- name
		<-ch
		return nil
	}
}

// instant returns work that reports its start and returns at once.
func (g *gate) instant(name string) Work {
	return func(context.Context) error {
		g.started <- name
		return nil
	}
}

func (g *gate) open(name string) {
	g.mu.Lock()
	ch := g.release[name]
	delete(g.release, name)
	g.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (g *gate) openAll() {
	g.mu.Lock()
	names := make([]string, 0, len(g.release))
	for n := range g.release {
		names = append(names, n)
	}
	g.mu.Unlock()
	for _, n := range names {
		g.open(n)
	}
}

func (g *gate) next(t *testing.T) string {
	t.Helper()
	select {
	case n := <-g.started:
		return n
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a task to start")
		return ""
	}
}

func (g *gate) none(t *testing.T) {
	t.Helper()
	select {
	case n := <-g.started:
		t.Fatalf("unexpected start of %s", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func newScheduler(t *testing.T, cfg Config, backend storage.Backend) *Scheduler {
	t.Helper()
	s, err := New(cfg, backend, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustSubmit(t *testing.T, s *Scheduler, q, name string, w Work) string {
	t.Helper()
	id, err := s.Submit(Task{Name: name, Queue: q, Run: w})
	if err != nil {
		t.Fatalf("Submit(%s, %s): %v", q, name, err)
	}
	return id
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"zero concurrency", Config{Concurrency: 0}, ErrInvalidConcurrency},
		{"negative concurrency", Config{Concurrency: -3}, ErrInvalidConcurrency},
		{"duplicate queue", Config{Concurrency: 1, Queues: []queue.Entry{{Name: "a"}, {Name: "a"}}}, ErrDuplicateQueue},
		{"reserved queue", Config{Concurrency: 1, Queues: []queue.Entry{{Name: "default", Weight: 1}}}, ErrDuplicateQueue},
		{"bad weight", Config{Concurrency: 1, Queues: []queue.Entry{{Name: "a", Weight: -1}}}, queue.ErrInvalidQueue},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg, nil, logx.Nop(), nil); !errors.Is(err, tt.want) {
				t.Fatalf("New error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{
		Concurrency: 1,
		Queues:      []queue.Entry{{Name: "A", Weight: 10}, {Name: "B", Weight: 1}},
	}, nil)

	mustSubmit(t, s, "", "blocker", g.work("blocker"))
	if got := g.next(t); got != "blocker" {
		t.Fatalf("first start = %s, want blocker", got)
	}
	mustSubmit(t, s, "B", "b1", g.instant("b1"))
	mustSubmit(t, s, "A", "a1", g.instant("a1"))
	mustSubmit(t, s, "A", "a2", g.instant("a2"))
	g.none(t)

	g.open("blocker")
	for _, want := range []string{"a1", "a2", "b1"} {
		if got := g.next(t); got != want {
			t.Fatalf("start = %s, want %s", got, want)
		}
	}
	drain(t, s)
}

func TestConcreteScenario(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{
		Concurrency: 2,
		Queues:      []queue.Entry{{Name: "fast", Weight: 5}},
	}, nil)

	for _, n := range []string{"d1", "d2", "d3"} {
		mustSubmit(t, s, "default", n, g.work(n))
	}
	mustSubmit(t, s, "fast", "f1", g.work("f1"))

	first := map[string]bool{g.next(t): true, g.next(t): true}
	if !first["d1"] || !first["d2"] {
		t.Fatalf("first starts = %v, want d1 and d2", first)
	}
	g.none(t)
	if n, _ := s.PendingCount("default"); n != 1 {
		t.Fatalf("default pending = %d, want 1", n)
	}

	g.open("d1")
	if got := g.next(t); got != "f1" {
		t.Fatalf("after first completion started %s, want f1", got)
	}
	g.open("d2")
	if got := g.next(t); got != "d3" {
		t.Fatalf("after second completion started %s, want d3", got)
	}
	g.openAll()
	drain(t, s)
	if s.HasPendingWork() {
		t.Fatal("pending work left after drain")
	}
}

func TestBoundedConcurrency(t *testing.T) {
	t.Parallel()
	const limit, total = 3, 60
	s := newScheduler(t, Config{
		Concurrency: limit,
		Queues:      []queue.Entry{{Name: "hi", Weight: 2}, {Name: "lo", Weight: 1}},
	}, nil)

	var cur, peak, done atomic.Int32
	work := func(context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if rc := s.RunningCount(); rc > limit {
			t.Errorf("RunningCount = %d > %d", rc, limit)
		}
		checkPlacement(t, s)
		time.Sleep(time.Millisecond)
		cur.Add(-1)
		done.Add(1)
		return nil
	}
	queues := []string{"hi", "lo", ""}
	for i := 0; i < total; i++ {
		mustSubmit(t, s, queues[i%len(queues)], fmt.Sprintf("t%d", i), work)
	}
	drain(t, s)

	if got := done.Load(); got != total {
		t.Fatalf("completed = %d, want %d", got, total)
	}
	if got := peak.Load(); got > limit {
		t.Fatalf("peak concurrency = %d, want <= %d", got, limit)
	}
	c := s.Counters()
	if c.Submitted != total || c.Started != total || c.Succeeded != total {
		t.Fatalf("counters = %+v", c)
	}
}

// checkPlacement asserts that every tracked id sits in exactly one place and
// that pending work accounts for every admitted task not yet started.
func checkPlacement(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, q := range s.reg.Queues() {
		for _, p := range q.Items() {
			queued++
			id := p.task.ID
			if _, ok := s.running[id]; ok {
				t.Errorf("task %s is both pending and running", id)
			}
			if _, ok := s.pending[id]; !ok {
				t.Errorf("queued task %s missing from the pending index", id)
			}
		}
	}
	if queued != len(s.pending) {
		t.Errorf("pending index = %d, queued = %d", len(s.pending), queued)
	}
	if want := int(s.submitted.Load() - s.started.Load()); queued != want {
		t.Errorf("queued = %d, want submitted-started = %d", queued, want)
	}
}

func TestFIFOWithinQueue(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{Concurrency: 1}, nil)

	mustSubmit(t, s, "", "blocker", g.work("blocker"))
	g.next(t)
	for i := 0; i < 20; i++ {
		mustSubmit(t, s, "", fmt.Sprintf("t%02d", i), g.instant(fmt.Sprintf("t%02d", i)))
	}
	g.open("blocker")
	for i := 0; i < 20; i++ {
		if got, want := g.next(t), fmt.Sprintf("t%02d", i); got != want {
			t.Fatalf("start #%d = %s, want %s", i, got, want)
		}
	}
	drain(t, s)
}

func TestUnknownQueueRejected(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{Concurrency: 1}, nil)

	_, err := s.Submit(Task{Queue: "nope", Run: g.instant("x")})
	if !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("Submit error = %v, want ErrUnknownQueue", err)
	}
	var ue *UnknownQueueError
	if !errors.As(err, &ue) || ue.Name != "nope" {
		t.Fatalf("expected *UnknownQueueError{nope}, got %#v", err)
	}
	if s.RunningCount() != 0 || s.HasPendingWork() || s.Counters().Submitted != 0 {
		t.Fatal("rejected submission mutated scheduler state")
	}
	g.none(t)
	if s.IsRegisteredQueue("nope") || !s.IsRegisteredQueue("default") {
		t.Fatal("IsRegisteredQueue mismatch")
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{Concurrency: 1}, nil)

	if _, err := s.Submit(Task{}); !errors.Is(err, ErrNilWork) {
		t.Fatalf("nil Run error = %v", err)
	}

	id := mustSubmit(t, s, "", "a", g.work("a"))
	g.next(t)
	if _, err := s.Submit(Task{ID: id, Run: g.instant("dup")}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate running id error = %v", err)
	}
	if _, err := s.Submit(Task{ID: "fixed", Run: g.instant("p")}); err != nil {
		t.Fatalf("Submit fixed id: %v", err)
	}
	if _, err := s.Submit(Task{ID: "fixed", Run: g.instant("p2")}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate pending id error = %v", err)
	}
	g.open("a")
	drain(t, s)

	// Finished ids may be reused.
	if _, err := s.Submit(Task{ID: "fixed", Run: g.instant("again")}); err != nil {
		t.Fatalf("reuse finished id: %v", err)
	}
	drain(t, s)
}

func TestDrain(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{Concurrency: 2}, nil)

	// Idle: immediate, and repeatable.
	drain(t, s)
	drain(t, s)

	mustSubmit(t, s, "", "slow", g.work("slow"))
	g.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain while busy = %v, want DeadlineExceeded", err)
	}

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		errCh <- s.Drain(ctx)
	}()
	// A submission during the drain is tolerated and waited for.
	mustSubmit(t, s, "", "late", g.work("late"))
	g.next(t)
	g.open("slow")
	select {
	case err := <-errCh:
		t.Fatalf("Drain returned %v while late task runs", err)
	case <-time.After(30 * time.Millisecond):
	}
	g.open("late")
	if err := <-errCh; err != nil {
		t.Fatalf("Drain: %v", err)
	}
	drain(t, s)
}

func TestDrainAfterSlotHandoff(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{Concurrency: 1}, nil)

	mustSubmit(t, s, "", "a", g.work("a"))
	g.next(t)
	mustSubmit(t, s, "", "b", g.instant("b"))

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		errCh <- s.Drain(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	g.open("a")
	if got := g.next(t); got != "b" {
		t.Fatalf("start = %s, want b", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Drain after handoff: %v (running=%d)", err, s.RunningCount())
	}
	if s.RunningCount() != 0 || s.HasPendingWork() {
		t.Fatal("work left after drain")
	}
}

func TestRunForever(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, Config{Concurrency: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunForever(ctx) }()

	select {
	case <-done:
		t.Fatal("RunForever returned while idle")
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunForever = %v, want Canceled", err)
		}
	case <-time.After(waitFor):
		t.Fatal("RunForever did not return after cancel")
	}
}

func TestCleanupForgetsTrackedWork(t *testing.T) {
	t.Parallel()
	g := newGate()
	backend := storage.NewMemory()
	s := newScheduler(t, Config{Concurrency: 1}, backend)

	mustSubmit(t, s, "", "old", g.work("old"))
	g.next(t)
	mustSubmit(t, s, "", "p1", g.instant("p1"))
	mustSubmit(t, s, "", "p2", g.instant("p2"))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := s.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if s.RunningCount() != 0 || s.HasPendingWork() {
		t.Fatal("Cleanup left tracked work")
	}
	drain(t, s)
	if st, _ := backend.Load(context.Background()); st.Running != nil || st.Waiting != nil {
		t.Fatalf("backend not cleaned: %+v", st)
	}

	// New work takes the slot while the untracked task still runs.
	mustSubmit(t, s, "", "fresh", g.work("fresh"))
	if got := g.next(t); got != "fresh" {
		t.Fatalf("start = %s, want fresh", got)
	}

	// The old completion must not free the slot held by fresh.
	g.open("old")
	time.Sleep(20 * time.Millisecond)
	mustSubmit(t, s, "", "queued", g.instant("queued"))
	if !s.HasPendingWork() || s.RunningCount() != 1 {
		t.Fatalf("running=%d pending=%v, want 1 and true", s.RunningCount(), s.HasPendingWork())
	}
	g.none(t)

	g.open("fresh")
	if got := g.next(t); got != "queued" {
		t.Fatalf("start = %s, want queued", got)
	}
	drain(t, s)
}

func TestSetConcurrency(t *testing.T) {
	t.Parallel()
	g := newGate()
	backend := storage.NewMemory()
	s := newScheduler(t, Config{Concurrency: 1}, backend)

	if err := s.SetConcurrency(context.Background(), 0); !errors.Is(err, ErrInvalidConcurrency) {
		t.Fatalf("SetConcurrency(0) = %v", err)
	}

	for _, n := range []string{"a", "b", "c"} {
		mustSubmit(t, s, "", n, g.work(n))
	}
	g.next(t)
	g.none(t)

	if err := s.SetConcurrency(context.Background(), 3); err != nil {
		t.Fatalf("SetConcurrency(3): %v", err)
	}
	g.next(t)
	g.next(t)
	if s.RunningCount() != 3 {
		t.Fatalf("RunningCount = %d, want 3", s.RunningCount())
	}
	if st, _ := backend.Load(context.Background()); st.Concurrency != 3 {
		t.Fatalf("persisted concurrency = %d, want 3", st.Concurrency)
	}

	// Lowering evicts nothing.
	if err := s.SetConcurrency(context.Background(), 1); err != nil {
		t.Fatalf("SetConcurrency(1): %v", err)
	}
	if s.RunningCount() != 3 || s.Concurrency() != 1 {
		t.Fatalf("running=%d concurrency=%d", s.RunningCount(), s.Concurrency())
	}
	mustSubmit(t, s, "", "d", g.instant("d"))
	g.open("a")
	g.open("b")
	g.none(t)
	g.open("c")
	if got := g.next(t); got != "d" {
		t.Fatalf("start = %s, want d", got)
	}
	drain(t, s)
}

func TestFailuresAreSwallowed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s, err := New(Config{Concurrency: 1, HistorySize: 2}, nil, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustSubmit(t, s, "", "fails", func(context.Context) error { return errors.New("boom") })
	mustSubmit(t, s, "", "panics", func(context.Context) error { panic("kaboom") })
	mustSubmit(t, s, "", "ok", func(context.Context) error { return nil })
	drain(t, s)

	c := s.Counters()
	if c.Failed != 2 || c.Panicked != 1 || c.Succeeded != 1 {
		t.Fatalf("counters = %+v", c)
	}
	h := s.Status().History
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2 (bounded)", len(h))
	}
	if !h[0].Panicked || h[0].Error != "panic: kaboom" || h[1].Error != "" {
		t.Fatalf("history = %+v", h)
	}

	seen := map[string]int{}
	timeout := time.After(waitFor)
	for seen[eventbus.TaskFinished] < 1 || seen[eventbus.TaskFailed] < 2 {
		select {
		case e := <-events:
			seen[e.Type]++
		case <-timeout:
			t.Fatalf("events seen = %v", seen)
		}
	}
	if seen[eventbus.TaskStarted] != 3 {
		t.Fatalf("task.started events = %d, want 3", seen[eventbus.TaskStarted])
	}
}

func TestTaskFromContext(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, Config{Concurrency: 1, Queues: []queue.Entry{{Name: "q", Weight: 1}}}, nil)
	got := make(chan TaskInfo, 1)
	id, err := s.Submit(Task{Name: "introspect", Queue: "q", Run: func(ctx context.Context) error {
		ti, _ := TaskFromContext(ctx)
		got <- ti
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ti := <-got
	if ti.ID != id || ti.Name != "introspect" || ti.Queue != "q" {
		t.Fatalf("TaskFromContext = %+v", ti)
	}
	if _, ok := TaskFromContext(context.Background()); ok {
		t.Fatal("TaskFromContext on plain context reported ok")
	}
	drain(t, s)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	g := newGate()
	s := newScheduler(t, Config{Concurrency: 1, Queues: []queue.Entry{{Name: "q", Weight: 3}}}, nil)
	mustSubmit(t, s, "", "run", g.work("run"))
	g.next(t)
	mustSubmit(t, s, "q", "wait", g.instant("wait"))

	st := s.Status()
	if st.Running != 1 || st.Pending != 1 || st.Concurrency != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].Name != "run" {
		t.Fatalf("tasks = %+v", st.Tasks)
	}
	if len(st.Queues) != 2 || st.Queues[0].Name != "default" || st.Queues[1].Pending != 1 {
		t.Fatalf("queues = %+v", st.Queues)
	}
	g.open("run")
	drain(t, s)
}

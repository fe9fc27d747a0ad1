package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"runq/internal/queue"
	"runq/internal/storage"
	logx "runq/pkg/logx"
)

type downBackend struct {
	calls int
}

func (d *downBackend) fail(op string) error {
	d.calls++
	return &storage.BackendUnavailableError{Driver: "stub", Op: op, Err: errors.New("connection refused")}
}

func (d *downBackend) SetConcurrency(context.Context, int) error { return d.fail("set concurrency") }
func (d *downBackend) SnapshotWaiting(context.Context, storage.Waiting) error {
	return d.fail("snapshot waiting")
}
func (d *downBackend) SnapshotRunning(context.Context, []string) error {
	return d.fail("snapshot running")
}
func (d *downBackend) Load(context.Context) (storage.State, error) {
	return storage.State{}, d.fail("load")
}
func (d *downBackend) Cleanup(context.Context) error { return nil }

func TestFlushRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	g := newGate()
	backend := storage.NewMemory()
	cfg := Config{Concurrency: 1, Queues: []queue.Entry{{Name: "fast", Weight: 5}}}
	s := newScheduler(t, cfg, backend)

	runID := mustSubmit(t, s, "", "run", g.work("run"))
	g.next(t)
	d1 := mustSubmit(t, s, "", "d1", g.instant("d1"))
	f1 := mustSubmit(t, s, "fast", "f1", g.instant("f1"))
	f2 := mustSubmit(t, s, "fast", "f2", g.instant("f2"))

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := storage.State{
		Waiting: storage.Waiting{
			"default": {Weight: 0, Pending: []string{d1}},
			"fast":    {Weight: 5, Pending: []string{f1, f2}},
		},
		Running:     []string{runID},
		Concurrency: 1,
	}
	got, _ := backend.Load(context.Background())
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted = %+v, want %+v", got, want)
	}

	// A fresh scheduler with a different limit adopts the persisted one.
	cfg.Concurrency = 4
	cfg.RestoreConcurrency = true
	s2 := newScheduler(t, cfg, backend)
	if err := s2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s2.Concurrency() != 1 {
		t.Fatalf("restored concurrency = %d, want 1", s2.Concurrency())
	}
	if rec := s2.Recovered(); !reflect.DeepEqual(rec, want) {
		t.Fatalf("Recovered = %+v, want %+v", rec, want)
	}
	// Ids are recovered, work is not.
	if s2.RunningCount() != 0 || s2.HasPendingWork() {
		t.Fatal("Restore must not re-create work")
	}

	g.open("run")
	drain(t, s)
}

func TestRestoreKeepsConfiguredConcurrencyByDefault(t *testing.T) {
	t.Parallel()
	backend := storage.NewMemory()
	_ = backend.SetConcurrency(context.Background(), 9)
	s := newScheduler(t, Config{Concurrency: 2}, backend)
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s.Concurrency() != 2 {
		t.Fatalf("Concurrency = %d, want 2", s.Concurrency())
	}
	if s.Recovered().Concurrency != 9 {
		t.Fatalf("Recovered().Concurrency = %d, want 9", s.Recovered().Concurrency)
	}
}

func TestBackendOutageDoesNotStopAdmission(t *testing.T) {
	t.Parallel()
	backend := &downBackend{}
	s, err := New(Config{Concurrency: 1}, backend, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Flush(context.Background()); !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Fatalf("Flush error = %v, want ErrBackendUnavailable", err)
	}
	if err := s.Restore(context.Background()); !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Fatalf("Restore error = %v, want ErrBackendUnavailable", err)
	}
	if err := s.SetConcurrency(context.Background(), 2); !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Fatalf("SetConcurrency error = %v, want ErrBackendUnavailable", err)
	}
	if s.Concurrency() != 2 {
		t.Fatal("in-memory concurrency must change even when persisting fails")
	}

	g := newGate()
	mustSubmit(t, s, "", "still-works", g.instant("still-works"))
	if got := g.next(t); got != "still-works" {
		t.Fatalf("start = %s", got)
	}
	drain(t, s)

	if got := s.Counters().BackendErrors; got != 3 {
		t.Fatalf("BackendErrors = %d, want 3", got)
	}
	if backend.calls != 5 {
		t.Fatalf("backend calls = %d, want 5", backend.calls)
	}
}

func TestRestorePartialSnapshot(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, Config{Concurrency: 1, RestoreConcurrency: true}, partialBackend{storage.NewMemory()})
	err := s.Restore(context.Background())
	if err == nil || errors.Is(err, storage.ErrBackendUnavailable) {
		t.Fatalf("Restore error = %v, want decode error", err)
	}
	if s.Concurrency() != 3 {
		t.Fatalf("Concurrency = %d, want 3 from the readable part", s.Concurrency())
	}
}

type partialBackend struct{ *storage.Memory }

func (partialBackend) Load(context.Context) (storage.State, error) {
	return storage.State{Running: []string{"gone"}, Concurrency: 3}, errors.New("decode waiting_tasks: bad json")
}

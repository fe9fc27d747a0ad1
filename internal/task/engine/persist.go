package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"runq/internal/eventbus"
	"runq/internal/storage"
	logx "runq/pkg/logx"
)

// Flush writes the concurrency limit, waiting ids and running ids to the
// backend. State is copied under the lock; I/O happens outside it.
func (s *Scheduler) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	snap := s.snapshot()

	err := errors.Join(
		s.backend.SetConcurrency(ctx, snap.Concurrency),
		s.backend.SnapshotWaiting(ctx, snap.Waiting),
		s.backend.SnapshotRunning(ctx, snap.Running),
	)
	if err != nil {
		s.backendFailed("flush", err)
		return err
	}

	ev := FlushEvent{
		Pending:     snap.PendingCount(),
		Running:     len(snap.Running),
		Concurrency: snap.Concurrency,
		Took:        time.Since(start),
	}
	s.log.Debug("scheduler flushed",
		logx.Int("pending", ev.Pending), logx.Int("running", ev.Running), logx.Duration("took", ev.Took))
	s.publish(eventbus.SchedulerFlushed, ev)
	return nil
}

// snapshot copies the persistable view of the scheduler.
func (s *Scheduler) snapshot() storage.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := make(storage.Waiting, len(s.reg.Queues()))
	for _, q := range s.reg.Queues() {
		items := q.Items()
		ids := make([]string, 0, len(items))
		for _, p := range items {
			ids = append(ids, p.task.ID)
		}
		w[q.Name()] = storage.QueueState{Weight: q.Weight(), Pending: ids}
	}

	running := s.runningLocked()
	ids := make([]string, 0, len(running))
	for _, rt := range running {
		ids = append(ids, rt.task.ID)
	}
	return storage.State{Waiting: w, Running: ids, Concurrency: s.concurrency}
}

// Restore loads the last snapshot.
//
// Work cannot be persisted, so nothing is re-queued or restarted: the ids
// are kept for Recovered and logged. With RestoreConcurrency the persisted
// limit replaces the configured one.
//
// A snapshot that decodes only partially is still applied and the decode
// error returned.
func (s *Scheduler) Restore(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := s.backend.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrBackendUnavailable) {
			s.backendFailed("restore", err)
			return err
		}
		s.log.Warn("stored snapshot partially unreadable", logx.Err(err))
	}

	var unknown []string
	s.mu.Lock()
	s.recovered = st
	if s.restoreConcurrency && st.Concurrency > 0 && st.Concurrency != s.concurrency {
		s.log.Info("concurrency restored", logx.Int("from", s.concurrency), logx.Int("to", st.Concurrency))
		s.concurrency = st.Concurrency
		s.fillLocked(time.Now())
	}
	for name := range st.Waiting {
		if !s.reg.Has(name) {
			unknown = append(unknown, name)
		}
	}
	s.mu.Unlock()

	if st.Empty() {
		return err
	}
	sort.Strings(unknown)
	if len(unknown) > 0 {
		s.log.Warn("snapshot names queues that are no longer registered", logx.Strings("queues", unknown))
	}
	if n := st.PendingCount(); n > 0 {
		s.log.Info("recovered pending task ids; work must be resubmitted by its owner", logx.Int("pending", n))
	}
	if len(st.Running) > 0 {
		s.log.Warn("tasks recorded as running at last flush were not restarted",
			logx.Int("running", len(st.Running)), logx.Strings("ids", st.Running))
	}
	return err
}

// Recovered returns the snapshot read by the last Restore.
func (s *Scheduler) Recovered() storage.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.recovered
	out := storage.State{Concurrency: st.Concurrency}
	if st.Running != nil {
		out.Running = append([]string{}, st.Running...)
	}
	if st.Waiting != nil {
		out.Waiting = make(storage.Waiting, len(st.Waiting))
		for k, q := range st.Waiting {
			out.Waiting[k] = storage.QueueState{Weight: q.Weight, Pending: append([]string{}, q.Pending...)}
		}
	}
	return out
}

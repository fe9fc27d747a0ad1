package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"runq/internal/eventbus"
	logx "runq/pkg/logx"
)

// slowTask is the duration above which successful completions log at info.
const slowTask = 750 * time.Millisecond

func (s *Scheduler) run(rt *runningTask) {
	ctx := withTaskInfo(context.Background(), rt.info())

	var (
		err      error
		panicked bool
		stack    string
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", r)
				stack = string(debug.Stack())
			}
		}()
		err = rt.task.Run(ctx)
	}()

	s.complete(rt, err, panicked, stack)
}

// complete frees rt's slot and refills free slots from waiting work. The
// outcome is recorded but never surfaces as a scheduler error.
func (s *Scheduler) complete(rt *runningTask, err error, panicked bool, stack string) {
	finished := time.Now()

	dur := finished.Sub(rt.started)
	item := HistoryItem{
		ID: rt.task.ID, Name: rt.task.Name, Queue: rt.task.Queue,
		Started: rt.started, QueueDelay: rt.queueDelay, Duration: dur,
		Panicked: panicked,
	}
	ev := TaskEvent{
		ID: rt.task.ID, Name: rt.task.Name, Queue: rt.task.Queue,
		Started: rt.started, QueueDelay: rt.queueDelay, Duration: dur,
	}
	fields := []logx.Field{
		logx.String("id", rt.task.ID),
		logx.String("task", rt.task.Name),
		logx.String("queue", rt.task.Queue),
		logx.Duration("queue_delay", rt.queueDelay),
		logx.Duration("dur", dur),
	}

	// Counters and history are settled before the slot is freed so that a
	// returning Drain observes them.
	switch {
	case panicked:
		s.panicked.Add(1)
		s.failed.Add(1)
		item.Error = err.Error()
	case err != nil:
		s.failed.Add(1)
		item.Error = err.Error()
	default:
		s.succeeded.Add(1)
	}
	ev.Error = item.Error
	s.record(item)

	s.mu.Lock()
	if cur, ok := s.running[rt.task.ID]; ok && cur == rt {
		delete(s.running, rt.task.ID)
		s.fillLocked(finished)
		if len(s.running) == 0 {
			s.markIdleLocked()
		}
	}
	s.mu.Unlock()

	switch {
	case panicked:
		s.log.Warn("task.panic", append(fields, logx.Err(err), logx.Stack(stack))...)
		s.publish(eventbus.TaskFailed, ev)
	case err != nil:
		s.log.Debug("task.failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, ev)
	default:
		if dur >= slowTask {
			s.log.Info("task.completed", fields...)
		} else {
			s.log.Debug("task.completed", fields...)
		}
		s.publish(eventbus.TaskFinished, ev)
	}
}

func (s *Scheduler) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	s.hmu.Unlock()
}

package engine

import (
	"context"
	"time"

	"runq/internal/queue"
)

// Work is a unit of work. Its error is recorded, never retried.
type Work func(ctx context.Context) error

// Task wraps Work with identity and routing.
//
// ID is generated when empty. Queue selects a registered queue; empty means
// the default queue.
type Task struct {
	ID    string
	Name  string
	Queue string
	Run   Work
}

type Config struct {
	Concurrency  int
	DefaultQueue string
	Queues       []queue.Entry

	// HistorySize bounds the finished-task ring shown by Status.
	HistorySize int

	// RestoreConcurrency makes Restore adopt the persisted limit.
	RestoreConcurrency bool
}

const defaultHistorySize = 200

// TaskInfo describes a task known to the scheduler.
type TaskInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Queue   string    `json:"queue"`
	Started time.Time `json:"started,omitempty"`
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Queue      string        `json:"queue"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
}

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Queue      string        `json:"queue"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// FlushEvent is the Data of scheduler.flushed events.
type FlushEvent struct {
	Pending     int           `json:"pending"`
	Running     int           `json:"running"`
	Concurrency int           `json:"concurrency"`
	Took        time.Duration `json:"took"`
}

type QueueStatus struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Pending int     `json:"pending"`
}

type Counters struct {
	Submitted     uint64 `json:"submitted"`
	Started       uint64 `json:"started"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	Panicked      uint64 `json:"panicked"`
	BackendErrors uint64 `json:"backend_errors"`
}

// Status is a point-in-time view for operators.
type Status struct {
	Since       time.Time     `json:"since"`
	Concurrency int           `json:"concurrency"`
	Running     int           `json:"running"`
	Pending     int           `json:"pending"`
	Queues      []QueueStatus `json:"queues"`
	Tasks       []TaskInfo    `json:"tasks"`
	Counters    Counters      `json:"counters"`
	History     []HistoryItem `json:"history"`
}

// runningTask is the running-set entry. Completion compares pointers, so an
// entry dropped by Cleanup can never release a slot it no longer holds.
type runningTask struct {
	task       Task
	seq        uint64
	started    time.Time
	queueDelay time.Duration
}

func (r *runningTask) info() TaskInfo {
	return TaskInfo{ID: r.task.ID, Name: r.task.Name, Queue: r.task.Queue, Started: r.started}
}

type pendingTask struct {
	task     Task
	queuedAt time.Time
}

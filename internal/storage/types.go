package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const DefaultPrefix = "coro_runner"

const (
	keyWaiting     = "waiting_tasks"
	keyRunning     = "running_tasks"
	keyConcurrency = "concurrency"
)

var (
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrClosed             = errors.New("storage backend closed")
)

// Backend is the persistence contract used by the scheduler.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	SetConcurrency(ctx context.Context, n int) error
	SnapshotWaiting(ctx context.Context, w Waiting) error
	SnapshotRunning(ctx context.Context, ids []string) error
	Load(ctx context.Context) (State, error)
	// Cleanup releases connections and handles and drops cached copies.
	// Durable data stays in place for the next process.
	Cleanup(ctx context.Context) error
}

// QueueState is the persisted form of one queue.
type QueueState struct {
	Weight  float64  `json:"score"`
	Pending []string `json:"queue"`
}

// Waiting maps queue name to its persisted state.
type Waiting map[string]QueueState

// State is a point-in-time snapshot. Concurrency is 0 when it was never set.
type State struct {
	Waiting     Waiting
	Running     []string
	Concurrency int
}

// Empty reports whether the snapshot carries nothing at all.
func (s State) Empty() bool {
	return len(s.Waiting) == 0 && len(s.Running) == 0 && s.Concurrency == 0
}

// PendingCount returns the number of persisted pending ids across queues.
func (s State) PendingCount() int {
	n := 0
	for _, q := range s.Waiting {
		n += len(q.Pending)
	}
	return n
}

// PendingIDs returns every persisted pending id, queues in name order and
// each queue oldest first.
func (s State) PendingIDs() []string {
	names := make([]string, 0, len(s.Waiting))
	for name := range s.Waiting {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, s.PendingCount())
	for _, name := range names {
		out = append(out, s.Waiting[name].Pending...)
	}
	return out
}

// Config selects and configures a driver.
//
// Driver values:
//   - "memory" (or empty / "none"): in-process, nothing survives restart
//   - "redis": remote key-value store
//   - "sqlite": local SQLite database file
//   - "file": local JSON document, replaced atomically on every write
type Config struct {
	Driver      string
	Prefix      string
	Path        string        // sqlite/file
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Host        string
	Port        int
	DB          int
	Username    string
	Password    string
	DialTimeout time.Duration
}

func (c RedisConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port <= 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// BackendUnavailableError wraps an I/O failure of a durable driver.
type BackendUnavailableError struct {
	Driver string
	Op     string
	Err    error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Driver, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func unavailable(driver, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendUnavailableError{Driver: driver, Op: op, Err: err}
}

func cloneWaiting(w Waiting) Waiting {
	if w == nil {
		return nil
	}
	out := make(Waiting, len(w))
	for name, q := range w {
		out[name] = QueueState{Weight: q.Weight, Pending: cloneIDs(q.Pending)}
	}
	return out
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

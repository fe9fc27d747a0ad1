package storage

import (
	"context"
	"sync"
)

// Memory is the ephemeral backend. Load returns whatever was last set in the
// same process.
type Memory struct {
	mu    sync.Mutex
	state State
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) SetConcurrency(_ context.Context, n int) error {
	m.mu.Lock()
	m.state.Concurrency = n
	m.mu.Unlock()
	return nil
}

func (m *Memory) SnapshotWaiting(_ context.Context, w Waiting) error {
	m.mu.Lock()
	m.state.Waiting = cloneWaiting(w)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SnapshotRunning(_ context.Context, ids []string) error {
	m.mu.Lock()
	m.state.Running = cloneIDs(ids)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Waiting:     cloneWaiting(m.state.Waiting),
		Running:     cloneIDs(m.state.Running),
		Concurrency: m.state.Concurrency,
	}, nil
}

// Cleanup drops the waiting and running copies. The concurrency value is kept.
func (m *Memory) Cleanup(_ context.Context) error {
	m.mu.Lock()
	m.state.Waiting = nil
	m.state.Running = nil
	m.mu.Unlock()
	return nil
}

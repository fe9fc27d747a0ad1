package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	logx "runq/pkg/logx"
)

// kv is the byte-level store behind a durable driver.
// get returns ok=false for a missing key.
type kv interface {
	get(ctx context.Context, key string) (val []byte, ok bool, err error)
	set(ctx context.Context, key string, val []byte) error
	close() error
}

// kvBackend implements Backend over a kv. It owns key naming and encoding so
// every durable driver writes the same layout.
type kvBackend struct {
	driver string
	prefix string
	log    logx.Logger

	mu     sync.Mutex
	store  kv
	closed bool
}

func newKVBackend(driver, prefix string, store kv, log logx.Logger) *kvBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &kvBackend{driver: driver, prefix: prefix, store: store, log: log}
}

func (b *kvBackend) key(name string) string { return b.prefix + ":" + name }

func (b *kvBackend) kv() (kv, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.store == nil {
		return nil, ErrClosed
	}
	return b.store, nil
}

func (b *kvBackend) put(ctx context.Context, op, name string, val []byte) error {
	st, err := b.kv()
	if err != nil {
		return unavailable(b.driver, op, err)
	}
	if err := st.set(ctx, b.key(name), val); err != nil {
		return unavailable(b.driver, op, err)
	}
	return nil
}

func (b *kvBackend) SetConcurrency(ctx context.Context, n int) error {
	return b.put(ctx, "set concurrency", keyConcurrency, []byte(strconv.Itoa(n)))
}

func (b *kvBackend) SnapshotWaiting(ctx context.Context, w Waiting) error {
	if w == nil {
		w = Waiting{}
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode waiting: %w", err)
	}
	return b.put(ctx, "snapshot waiting", keyWaiting, raw)
}

func (b *kvBackend) SnapshotRunning(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode running: %w", err)
	}
	return b.put(ctx, "snapshot running", keyRunning, raw)
}

func (b *kvBackend) Load(ctx context.Context) (State, error) {
	st, err := b.kv()
	if err != nil {
		return State{}, unavailable(b.driver, "load", err)
	}

	var out State
	var errs []error

	if raw, ok, err := st.get(ctx, b.key(keyWaiting)); err != nil {
		return State{}, unavailable(b.driver, "load waiting", err)
	} else if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Waiting); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", b.key(keyWaiting), err))
		}
	}

	if raw, ok, err := st.get(ctx, b.key(keyRunning)); err != nil {
		return State{}, unavailable(b.driver, "load running", err)
	} else if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Running); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", b.key(keyRunning), err))
		}
	}

	if raw, ok, err := st.get(ctx, b.key(keyConcurrency)); err != nil {
		return State{}, unavailable(b.driver, "load concurrency", err)
	} else if ok {
		s := strings.TrimSpace(string(raw))
		if s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("decode %s: %w", b.key(keyConcurrency), err))
			} else {
				out.Concurrency = n
			}
		}
	}

	// Corrupt values are skipped; whatever decoded is still returned.
	return out, errors.Join(errs...)
}

// Cleanup closes the underlying store. Later calls fail with ErrClosed.
func (b *kvBackend) Cleanup(_ context.Context) error {
	b.mu.Lock()
	st := b.store
	already := b.closed
	b.closed = true
	b.store = nil
	b.mu.Unlock()
	if already || st == nil {
		return nil
	}
	if err := st.close(); err != nil {
		return unavailable(b.driver, "close", err)
	}
	b.log.Debug("storage closed")
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "runq/pkg/logx"
)

// fileKV keeps every key in one JSON document.
//
// The document is rewritten through <path>.tmp + rename on every set, so a
// crash leaves either the old or the new snapshot, never a torn one.
type fileKV struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

func openFile(cfg Config, prefix string, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f := &fileKV{path: path, data: map[string]json.RawMessage{}}
	if err := f.read(); err != nil {
		return nil, err
	}
	log.Info("file storage opened", logx.String("path", path), logx.Int("keys", len(f.data)))
	return newKVBackend("file", prefix, f, log), nil
}

func (f *fileKV) read() error {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &f.data); err != nil {
		return err
	}
	if f.data == nil {
		// A literal null document.
		f.data = map[string]json.RawMessage{}
	}
	return nil
}

// Values are stored as JSON strings so non-JSON payloads (the concurrency
// counter) round-trip unchanged.
func (f *fileKV) get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	return []byte(s), true, nil
}

func (f *fileKV) set(_ context.Context, key string, val []byte) error {
	enc, err := json.Marshal(string(val))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = enc
	if err := f.writeLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *fileKV) writeLocked() error {
	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f.data); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *fileKV) close() error {
	f.mu.Lock()
	f.data = map[string]json.RawMessage{}
	f.mu.Unlock()
	return nil
}

package queue

import (
	"errors"
	"math"
	"testing"
)

func TestBuildRejectsDuplicates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		entries  []Entry
		reserved bool
	}{
		{name: "repeated", entries: []Entry{{Name: "a", Weight: 1}, {Name: "a", Weight: 2}}},
		{name: "reserved default", entries: []Entry{{Name: "default", Weight: 3}}, reserved: true},
		{name: "reserved after trim", entries: []Entry{{Name: " default ", Weight: 3}}, reserved: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build[string](tt.entries, "default")
			if !errors.Is(err, ErrDuplicateQueue) {
				t.Fatalf("Build error = %v, want ErrDuplicateQueue", err)
			}
			var de *DuplicateQueueError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DuplicateQueueError, got %T", err)
			}
			if de.Reserved != tt.reserved {
				t.Fatalf("Reserved = %v, want %v", de.Reserved, tt.reserved)
			}
		})
	}
}

func TestBuildRejectsInvalidEntries(t *testing.T) {
	t.Parallel()
	bad := [][]Entry{
		{{Name: "", Weight: 1}},
		{{Name: "neg", Weight: -1}},
		{{Name: "nan", Weight: math.NaN()}},
		{{Name: "inf", Weight: math.Inf(1)}},
	}
	for _, entries := range bad {
		if _, err := Build[int](entries, ""); !errors.Is(err, ErrInvalidQueue) {
			t.Fatalf("Build(%v) error = %v, want ErrInvalidQueue", entries, err)
		}
	}
}

func TestBuildRegistersDefault(t *testing.T) {
	t.Parallel()
	r, err := Build[int]([]Entry{{Name: "fast", Weight: 0.5}}, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.DefaultName() != DefaultName {
		t.Fatalf("DefaultName = %q, want %q", r.DefaultName(), DefaultName)
	}
	q, err := r.Lookup(DefaultName)
	if err != nil {
		t.Fatalf("Lookup default: %v", err)
	}
	if q.Weight() != 0 {
		t.Fatalf("default weight = %v, want 0", q.Weight())
	}
	qs := r.Queues()
	if len(qs) != 2 || qs[0].Name() != DefaultName || qs[1].Name() != "fast" {
		t.Fatalf("unexpected registration order: %v", names(qs))
	}
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()
	r, err := Build[int](nil, "default")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = r.Lookup("nope")
	if !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("Lookup error = %v, want ErrUnknownQueue", err)
	}
	if err := r.Push("nope", 1); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("Push error = %v, want ErrUnknownQueue", err)
	}
	if r.AnyPending() {
		t.Fatal("failed push must not leave pending work")
	}
}

func TestSelectNextPriorityAndFIFO(t *testing.T) {
	t.Parallel()
	r, err := Build[string]([]Entry{{Name: "A", Weight: 10}, {Name: "B", Weight: 1}}, "default")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pushes := []struct{ queue, item string }{
		{"default", "d1"}, {"B", "b1"}, {"A", "a1"}, {"A", "a2"}, {"default", "d2"},
	}
	for _, p := range pushes {
		if err := r.Push(p.queue, p.item); err != nil {
			t.Fatalf("Push(%s): %v", p.queue, err)
		}
	}
	if got := r.PendingLen(); got != len(pushes) {
		t.Fatalf("PendingLen = %d, want %d", got, len(pushes))
	}

	want := []string{"a1", "a2", "b1", "d1", "d2"}
	for i, w := range want {
		got, _, ok := r.SelectNext()
		if !ok {
			t.Fatalf("SelectNext #%d: nothing pending", i)
		}
		if got != w {
			t.Fatalf("SelectNext #%d = %s, want %s", i, got, w)
		}
	}
	if _, _, ok := r.SelectNext(); ok {
		t.Fatal("expected empty registry")
	}
	if r.AnyPending() {
		t.Fatal("AnyPending = true after draining")
	}
}

func TestSelectNextTieBreakIsRegistrationOrder(t *testing.T) {
	t.Parallel()
	r, err := Build[string]([]Entry{
		{Name: "x", Weight: 2},
		{Name: "y", Weight: 2},
		{Name: "z", Weight: 0},
	}, "default")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_ = r.Push("z", "z1")
	_ = r.Push("default", "d1")
	_ = r.Push("y", "y1")
	_ = r.Push("x", "x1")

	want := []struct{ item, queue string }{
		{"x1", "x"}, {"y1", "y"}, {"d1", "default"}, {"z1", "z"},
	}
	for _, w := range want {
		item, q, ok := r.SelectNext()
		if !ok || item != w.item || q != w.queue {
			t.Fatalf("SelectNext = (%s, %s, %v), want (%s, %s, true)", item, q, ok, w.item, w.queue)
		}
	}
}

func TestQueueCompactionKeepsOrder(t *testing.T) {
	t.Parallel()
	r, err := Build[int](nil, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	const n = 500
	for i := 0; i < n; i++ {
		_ = r.Push(DefaultName, i)
	}
	for i := 0; i < n; i++ {
		got, _, ok := r.SelectNext()
		if !ok || got != i {
			t.Fatalf("SelectNext = %d (ok=%v), want %d", got, ok, i)
		}
		// Interleave pushes so compaction runs with live items.
		if i%100 == 0 {
			_ = r.Push(DefaultName, n+i)
		}
	}
	q, _ := r.Lookup(DefaultName)
	items := q.Items()
	for i := 1; i < len(items); i++ {
		if items[i-1] >= items[i] {
			t.Fatalf("items out of order after compaction: %v", items)
		}
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	r, _ := Build[int]([]Entry{{Name: "a", Weight: 1}}, "")
	_ = r.Push("a", 1)
	_ = r.Push(DefaultName, 2)
	r.Clear()
	if r.AnyPending() {
		t.Fatal("AnyPending after Clear")
	}
	if !r.Has("a") || !r.Has(DefaultName) {
		t.Fatal("Clear must keep queues registered")
	}
}

func names[T any](qs []*Queue[T]) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Name())
	}
	return out
}

package queue

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultName is used when Build is called with an empty default name.
const DefaultName = "default"

const (
	compactMinCap       = 64 // don't compact small backing arrays
	compactShrinkFactor = 4  // compact when live items < cap/4
)

// Entry configures one named queue.
type Entry struct {
	Name   string
	Weight float64
}

// Queue is a named, weighted FIFO of pending items.
type Queue[T any] struct {
	name   string
	weight float64

	items []T
	head  int
}

func (q *Queue[T]) Name() string    { return q.name }
func (q *Queue[T]) Weight() float64 { return q.weight }
func (q *Queue[T]) Len() int        { return len(q.items) - q.head }

// Items returns a copy of the pending items, oldest first.
func (q *Queue[T]) Items() []T {
	out := make([]T, q.Len())
	copy(out, q.items[q.head:])
	return out
}

func (q *Queue[T]) push(item T) {
	q.items = append(q.items, item)
}

func (q *Queue[T]) pop() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	item := q.items[q.head]
	// Drop the reference so the backing array doesn't pin finished work.
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return item, true
	}
	q.maybeCompact()
	return item, true
}

func (q *Queue[T]) maybeCompact() {
	c := cap(q.items)
	if c < compactMinCap || q.Len() >= c/compactShrinkFactor {
		return
	}
	live := make([]T, q.Len(), c/2)
	copy(live, q.items[q.head:])
	q.items = live
	q.head = 0
}

func (q *Queue[T]) clear() {
	q.items = nil
	q.head = 0
}

// Registry holds the named queues of a scheduler.
//
// It is a plain data structure: callers serialize access.
type Registry[T any] struct {
	defaultName string
	byName      map[string]*Queue[T]
	registered  []*Queue[T] // registration order (default first)
	selection   []*Queue[T] // weight desc, registration order on ties
}

// Build returns a registry with one queue per entry plus the default queue
// (weight 0) under defaultName.
func Build[T any](entries []Entry, defaultName string) (*Registry[T], error) {
	defaultName = strings.TrimSpace(defaultName)
	if defaultName == "" {
		defaultName = DefaultName
	}

	r := &Registry[T]{
		defaultName: defaultName,
		byName:      make(map[string]*Queue[T], len(entries)+1),
		registered:  make([]*Queue[T], 0, len(entries)+1),
	}
	r.add(defaultName, 0)

	for i, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: queues[%d]: name is required", ErrInvalidQueue, i)
		}
		if name == defaultName {
			return nil, &DuplicateQueueError{Name: name, Reserved: true}
		}
		if _, ok := r.byName[name]; ok {
			return nil, &DuplicateQueueError{Name: name}
		}
		if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) || e.Weight < 0 {
			return nil, fmt.Errorf("%w: queue %q: weight must be a finite number >= 0", ErrInvalidQueue, name)
		}
		r.add(name, e.Weight)
	}

	r.selection = append([]*Queue[T](nil), r.registered...)
	sort.SliceStable(r.selection, func(i, j int) bool {
		return r.selection[i].weight > r.selection[j].weight
	})
	return r, nil
}

func (r *Registry[T]) add(name string, weight float64) {
	q := &Queue[T]{name: name, weight: weight}
	r.byName[name] = q
	r.registered = append(r.registered, q)
}

func (r *Registry[T]) DefaultName() string { return r.defaultName }

// Lookup returns the queue registered under name.
func (r *Registry[T]) Lookup(name string) (*Queue[T], error) {
	q, ok := r.byName[name]
	if !ok {
		return nil, &UnknownQueueError{Name: name}
	}
	return q, nil
}

func (r *Registry[T]) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Push appends item to the tail of the named queue.
func (r *Registry[T]) Push(name string, item T) error {
	q, err := r.Lookup(name)
	if err != nil {
		return err
	}
	q.push(item)
	return nil
}

// AnyPending reports whether at least one queue has pending items.
func (r *Registry[T]) AnyPending() bool {
	for _, q := range r.registered {
		if q.Len() > 0 {
			return true
		}
	}
	return false
}

// PendingLen returns the total number of pending items across all queues.
func (r *Registry[T]) PendingLen() int {
	n := 0
	for _, q := range r.registered {
		n += q.Len()
	}
	return n
}

// SelectNext removes and returns the oldest item of the highest-weight
// non-empty queue. Equal weights resolve in registration order.
func (r *Registry[T]) SelectNext() (T, string, bool) {
	for _, q := range r.selection {
		if item, ok := q.pop(); ok {
			return item, q.name, true
		}
	}
	var zero T
	return zero, "", false
}

// Queues returns the queues in registration order (default first).
func (r *Registry[T]) Queues() []*Queue[T] {
	return append([]*Queue[T](nil), r.registered...)
}

// Clear drops every pending item. Queues stay registered.
func (r *Registry[T]) Clear() {
	for _, q := range r.registered {
		q.clear()
	}
}

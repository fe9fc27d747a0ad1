package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process notification.
//
// Publish never blocks: each subscriber owns a buffered channel and misses
// events while that buffer is full.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Mem is the in-memory fanout bus. It runs no goroutines of its own.
type Mem struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func New() *Mem {
	return &Mem{subs: map[uint64]chan Event{}}
}

func (b *Mem) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so a send never meets a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Mem) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Mem) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Mem) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

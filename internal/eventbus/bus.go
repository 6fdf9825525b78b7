package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event types published by the task engine and the runner.
const (
	JobQueued    = "job.queued"
	JobStarted   = "job.started"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"
	JobSkipped   = "job.skipped"
	JobDropped   = "job.dropped"

	ConfigReloaded = "config.reloaded"
)

// Event is a small in-process signal.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{} // nil means all
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types != nil {
			if _, ok := s.types[e.Type]; !ok {
				continue
			}
		}
		targets = append(targets, s.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.deliver(ch, e)
	}
}

// deliver tolerates a concurrent unsubscribe closing ch.
func (b *memBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

func (b *memBus) subscribe(buffer int, types map[string]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), types: types}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// SubscribeTypes subscribes to the listed event types only.
// Buses other than the one returned by New get an unfiltered subscription.
func SubscribeTypes(b Bus, buffer int, types ...string) (<-chan Event, func()) {
	mb, ok := b.(*memBus)
	if !ok || len(types) == 0 {
		return b.Subscribe(buffer)
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return mb.subscribe(buffer, set)
}

// Dropped reports how many deliveries were dropped on full subscribers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

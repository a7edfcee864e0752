// Package eventbus is an in-memory fanout of scheduler lifecycle events.
// Consumers such as the run recorder observe the worker without being
// called from it.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler.
const (
	TaskStarted      = "task.started"
	TaskFinished     = "task.finished"
	TaskFailed       = "task.failed"
	TaskCanceled     = "task.canceled"
	QueueCleared     = "queue.cleared"
	SchedulerStarted = "scheduler.started"
	SchedulerStopped = "scheduler.stopped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers each published event to every interested subscriber.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the miss is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered channel. With types given, only those
	// event types are delivered. unsubscribe closes the channel and is safe
	// to call more than once.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

func New() Bus {
	return &memBus{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch    chan Event
	types map[string]bool // nil: all types
}

func (s *subscriber) wants(typ string) bool { return s.types == nil || s.types[typ] }

type memBus struct {
	// Sends happen under the read lock so unsubscribe, which takes the
	// write lock, never closes a channel mid-send.
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 1))}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	})
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}

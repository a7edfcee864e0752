package clock

import (
	"context"
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Set or Advance is called.
// Waiters blocked in WaitUntil are released once the manual time reaches
// their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters map[*manualWaiter]struct{}
}

type manualWaiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewManual returns a manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, waiters: map[*manualWaiter]struct{}{}}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and releases due waiters.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.setLocked(m.now.Add(d))
	m.mu.Unlock()
}

// Set moves the clock to t. Moving backward is ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.setLocked(t)
	}
	m.mu.Unlock()
}

// Waiters reports how many goroutines are blocked in WaitUntil.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func (m *Manual) setLocked(t time.Time) {
	m.now = t
	for w := range m.waiters {
		if !w.deadline.IsZero() && !w.deadline.After(t) {
			close(w.ch)
			delete(m.waiters, w)
		}
	}
}

func (m *Manual) WaitUntil(ctx context.Context, deadline time.Time, interrupt <-chan struct{}) WaitResult {
	m.mu.Lock()
	if !deadline.IsZero() && !deadline.After(m.now) {
		m.mu.Unlock()
		return TimedOut
	}
	w := &manualWaiter{deadline: deadline, ch: make(chan struct{})}
	m.waiters[w] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.waiters, w)
		m.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return Canceled
	case <-interrupt:
		return Interrupted
	case <-w.ch:
		return TimedOut
	}
}

// Package clock abstracts "what time is it" and "block until T or until woken"
// so the scheduler worker can be driven by a manual clock in tests.
package clock

import (
	"context"
	"time"
)

// WaitResult reports why WaitUntil returned.
type WaitResult int

const (
	TimedOut WaitResult = iota
	Interrupted
	Canceled
)

func (r WaitResult) String() string {
	switch r {
	case TimedOut:
		return "timed_out"
	case Interrupted:
		return "interrupted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Clock supplies the current time and an interruptible timed wait.
type Clock interface {
	Now() time.Time

	// WaitUntil blocks until deadline is reached, interrupt delivers a value,
	// or ctx is done. A zero deadline waits for interrupt or ctx only.
	WaitUntil(ctx context.Context, deadline time.Time, interrupt <-chan struct{}) WaitResult
}

// System returns the process clock. time.Now carries a monotonic reading, so
// durations computed from it never go backward.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) WaitUntil(ctx context.Context, deadline time.Time, interrupt <-chan struct{}) WaitResult {
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return TimedOut
		}
		tmr := time.NewTimer(d)
		defer tmr.Stop()
		timerC = tmr.C
	}

	select {
	case <-ctx.Done():
		return Canceled
	case <-interrupt:
		return Interrupted
	case <-timerC:
		return TimedOut
	}
}

package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// interval is a fixed-rate recurrence. Unlike cron.Every it keeps
// sub-second precision.
type interval time.Duration

func (d interval) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Interval returns a recurrence firing every d. d must be positive.
func Interval(d time.Duration) cron.Schedule { return interval(d) }

// nextDue re-arms a periodic task from its previous due time. If the worker
// fell behind, it skips to the first slot after now rather than replaying
// every missed run.
func nextDue(r cron.Schedule, prev, now time.Time) time.Time {
	next := r.Next(prev)
	if next.IsZero() {
		return next
	}
	if !next.After(now) {
		next = r.Next(now)
	}
	return next
}

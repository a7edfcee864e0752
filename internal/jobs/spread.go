package jobs

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// spreadSchedule delays the first run of a periodic job by a random jitter
// so jobs loaded together do not all fire on the same tick. After the first
// run it delegates to base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// everySchedule returns cron.Every(every), with the first run moved by a
// random jitter in [0, spread) when spread > 0. spread is capped at every.
func everySchedule(every, spread time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread = min(spread, every)
	if spread <= 0 {
		return base, 0
	}

	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(name))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: base.Next(now).Add(jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

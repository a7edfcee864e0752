package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schedd/internal/eventbus"
	"schedd/internal/storage"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
)

const recordTimeout = 2 * time.Second

// recordRuns persists finished and failed task events until events is
// closed. It ignores ctx cancellation so runs executed during a graceful
// drain are still recorded.
func recordRuns(store storage.Store, log logx.Logger, events <-chan eventbus.Event) {
	for e := range events {
		if e.Type != eventbus.TaskFinished && e.Type != eventbus.TaskFailed {
			continue
		}
		ev, ok := e.Data.(scheduler.TaskEvent)
		if !ok {
			continue
		}
		rec := storage.RunRecord{
			ID:       uuid.NewString(),
			Job:      ev.Name,
			Handle:   ev.Handle,
			Due:      ev.Due,
			Started:  ev.Started,
			TookMS:   ev.Duration.Milliseconds(),
			Lateness: ev.Lateness.Milliseconds(),
			Error:    ev.Error,
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := store.AppendRun(ctx, rec)
		cancel()
		if err != nil {
			log.Warn("run record failed", logx.String("job", rec.Job), logx.Err(err))
		}
	}
}

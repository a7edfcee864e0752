// Package scheduler runs deferred and periodic tasks on a single background
// worker in (due time, priority, insertion) order.
//
// Callers enqueue work with Enter/EnterAt/Every/Repeat and get back a Handle
// for Cancel. All public methods are safe for concurrent use; they serialize
// on one mutex guarding the task queue. The worker sleeps in Clock.WaitUntil
// without holding that mutex and is woken early whenever the queue or the
// run state changes. Actions run one at a time, outside the lock, so a slow
// action delays later tasks but never blocks callers.
//
// A failing or panicking action is reported (Config.OnError, logs, event
// bus) and never stops the worker.
package scheduler

// Package supervisor runs named goroutines under one cancelable context.
//
// A goroutine that panics is recovered and its panic becomes a *PanicError.
// The first failure is kept for Err and, with WithCancelOnError, cancels
// every sibling.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "schedd/pkg/logx"
)

// PanicError reports a recovered panic.
type PanicError struct {
	Name  string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Name, e.Value) }

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	mu       sync.Mutex
	live     map[string]int
	started  uint64
	firstErr error

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

// Counters describe what is running right now. Names lists live goroutines,
// with a "xN" suffix when several share a name.
type Counters struct {
	Active  int      `json:"active"`
	Started uint64   `json:"started"`
	Names   []string `json:"names,omitempty"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{
		live: make(map[string]int),
		done: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counters{Started: s.started}
	for name, n := range s.live {
		c.Active += n
		if n > 1 {
			name = fmt.Sprintf("%s x%d", name, n)
		}
		c.Names = append(c.Names, name)
	}
	sort.Strings(c.Names)
	return c
}

// Go runs fn on its own goroutine. Returning context.Canceled is a normal
// exit; any other error, or a panic, is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.started++
	s.live[name]++
	s.mu.Unlock()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		began := time.Now()
		err := s.call(name, fn)

		s.mu.Lock()
		if s.live[name]--; s.live[name] == 0 {
			delete(s.live, name)
		}
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
		s.log.Debug("goroutine exited", logx.String("name", name), logx.Duration("ran", time.Since(began)), logx.Err(err))
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Name: name, Value: r, Stack: string(debug.Stack())}
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(pe.Stack))
			err = pe
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(name string, err error) {
	var pe *PanicError
	if !errors.As(err, &pe) {
		err = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned, then reports Err. It
// returns ctx.Err() if ctx ends first.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every goroutine started so far has returned.
func (s *Supervisor) Done() <-chan struct{} {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	return s.done
}

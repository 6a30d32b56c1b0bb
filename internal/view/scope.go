package view

import (
	"context"
	"sync"
	"time"
)

// Scope is the lifetime of a consumer. Work started through it is
// cancelled on Close, and results of work that finishes after Close are
// dropped instead of applied.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc

	// mu is held for reading while a result is applied, so Close cannot
	// return in the middle of an apply.
	mu       sync.RWMutex
	closed   bool
	cleanups []func()
}

func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Defer registers fn to run on Close, in reverse order. Registering on a
// closed scope runs fn immediately.
func (s *Scope) Defer(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Close cancels in-flight work and runs deferred cleanups. It must not be
// called from inside an apply func.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// tryApply runs apply unless the scope is closed, and reports whether it
// ran.
func (s *Scope) tryApply(apply func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	apply()
	return true
}

// Go runs work on its own goroutine and hands the result to apply if the
// scope is still open when work returns. The returned channel is closed
// after work finishes, and carries whether apply ran.
func Go[T any](s *Scope, work func(context.Context) (T, error), apply func(T, error)) <-chan bool {
	done := make(chan bool, 1)
	go func() {
		defer close(done)
		v, err := work(s.ctx)
		done <- s.tryApply(func() { apply(v, err) })
	}()
	return done
}

// Debouncer runs the most recent of a burst of tasks after a quiet
// period. Superseded tasks never run, and a task whose result arrives
// after a newer task was scheduled is dropped.
type Debouncer struct {
	scope *Scope
	delay time.Duration

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

func NewDebouncer(scope *Scope, delay time.Duration) *Debouncer {
	d := &Debouncer{scope: scope, delay: delay}
	scope.Defer(d.stop)
	return d
}

func (d *Debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}

// Debounce schedules work on d, replacing anything scheduled earlier.
func Debounce[T any](d *Debouncer, work func(context.Context) (T, error), apply func(T, error)) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		if !d.current(gen) || d.scope.Closed() {
			return
		}
		Go(d.scope, work, func(v T, err error) {
			if d.current(gen) {
				apply(v, err)
			}
		})
	})
	d.mu.Unlock()
}

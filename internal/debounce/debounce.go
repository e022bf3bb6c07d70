// Package debounce collapses bursts of calls into one trailing call.
package debounce

import (
	"sync"
	"time"
)

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

// RealScheduler schedules on the runtime timer wheel.
func RealScheduler(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Option func(*config)

type config struct {
	schedule Scheduler
}

// WithScheduler replaces the timer source, mostly for tests.
func WithScheduler(s Scheduler) Option {
	return func(c *config) {
		if s != nil {
			c.schedule = s
		}
	}
}

// Func wraps fn so that calls within delay of each other collapse into a
// single trailing invocation carrying the last call's argument.
type Func[T any] struct {
	mu       sync.Mutex
	delay    time.Duration
	fn       func(T)
	schedule Scheduler

	timer   Timer
	pending bool
	arg     T
	gen     uint64
}

func New[T any](delay time.Duration, fn func(T), opts ...Option) *Func[T] {
	cfg := config{schedule: RealScheduler}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Func[T]{delay: delay, fn: fn, schedule: cfg.schedule}
}

// Call (re)starts the window. Any pending invocation is dropped in favour of
// this one.
func (d *Func[T]) Call(arg T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.arg = arg
	d.pending = true
	d.gen++
	gen := d.gen
	d.timer = d.schedule(d.delay, func() { d.fire(gen) })
}

func (d *Func[T]) fire(gen uint64) {
	d.mu.Lock()
	// A timer that lost the race with Stop must not run a superseded call.
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	arg := d.take()
	d.mu.Unlock()
	d.fn(arg)
}

// take clears the pending call; d.mu must be held.
func (d *Func[T]) take() T {
	arg := d.arg
	var zero T
	d.arg = zero
	d.pending = false
	d.timer = nil
	d.gen++
	return arg
}

// Flush runs the pending call immediately, if any. It reports whether a call ran.
func (d *Func[T]) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	arg := d.take()
	d.mu.Unlock()
	d.fn(arg)
	return true
}

// Cancel drops the pending call without running it.
func (d *Func[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.take()
}

func (d *Func[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

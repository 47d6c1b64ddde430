// Package timer provides an owned, cancelable interval timer.
//
// Every periodic activity in Muse (task polling, engine status refresh)
// acquires an Interval and must Stop it; Stop is idempotent and also runs
// when the context passed to Start is cancelled, so an owner that forgets
// to call it still releases the goroutine on teardown.
package timer

import (
	"context"
	"sync"
	"time"
)

// Interval runs a function on a fixed period until stopped.
type Interval struct {
	period    time.Duration
	immediate bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Option customizes an Interval.
type Option func(*Interval)

// Immediately makes the first tick fire as soon as Start is called.
func Immediately() Option {
	return func(i *Interval) { i.immediate = true }
}

// New creates an Interval with the given period. Non-positive periods default to one second.
func New(period time.Duration, opts ...Option) *Interval {
	if period <= 0 {
		period = time.Second
	}
	i := &Interval{period: period}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Period returns the tick period.
func (i *Interval) Period() time.Duration { return i.period }

// Start begins invoking fn every period. fn runs on the timer goroutine, so
// ticks never overlap: a slow fn delays the next tick instead of stacking.
// Start on a running or stopped Interval is a no-op.
func (i *Interval) Start(ctx context.Context, fn func(ctx context.Context)) {
	i.mu.Lock()
	if i.cancel != nil || i.stopped {
		i.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})
	done := i.done
	i.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		if i.immediate {
			fn(runCtx)
		}

		ticker := time.NewTicker(i.period)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				// A Stop racing with the tick wins.
				if runCtx.Err() != nil {
					return
				}
				fn(runCtx)
			}
		}
	}()
}

// Stop halts the timer and waits for the running tick, if any, to return.
// It must not be called from inside fn; use StopAsync there.
func (i *Interval) Stop() {
	done := i.StopAsync()
	if done != nil {
		<-done
	}
}

// StopAsync halts the timer without waiting. It returns a channel closed
// once the timer goroutine has exited, or nil if the timer never started.
func (i *Interval) StopAsync() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
	if i.cancel != nil {
		i.cancel()
	}
	return i.done
}

// Stopped reports whether Stop has been called.
func (i *Interval) Stopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopped
}

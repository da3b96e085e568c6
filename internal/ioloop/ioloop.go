// Package ioloop provides the single-goroutine cooperative dispatch used by
// the recorder's I/O thread: all timer callbacks, DNS callbacks, and
// socket-write completions are serialized through one owned goroutine so
// that the rest of the recorder's state needs no locking. The blocking
// socket writes themselves run on helper goroutines (see OnSocketWritable).
package ioloop

import (
	"sync"
	"time"
)

// Loop runs posted callbacks one at a time on a single goroutine. Producers
// (application goroutines, timers, background helper goroutines) only ever
// reach the loop's state through Post; they never touch it directly.
type Loop struct {
	cmds chan func()

	breakOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New returns a Loop that has not yet started running. Call Run on the
// goroutine that should own the loop.
func New() *Loop {
	return &Loop{
		cmds:    make(chan func(), 256),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Post schedules fn to run on the loop's goroutine. Safe to call from any
// goroutine, including the loop goroutine itself. A Post after Break is a
// no-op.
func (l *Loop) Post(fn func()) {
	select {
	case l.cmds <- fn:
	case <-l.stop:
	}
}

// OnTimeout schedules fn to run once after d elapses, dispatched onto the
// loop goroutine. Returns a function that cancels the timer if it hasn't
// fired yet.
func (l *Loop) OnTimeout(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return func() { t.Stop() }
}

// OnInterval schedules fn to run on the loop goroutine every d, starting
// after the first interval elapses. Returns a function that stops further
// firing; it is also stopped automatically when the loop breaks.
func (l *Loop) OnInterval(d time.Duration, fn func()) (cancel func()) {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(fn)
			case <-done:
				return
			case <-l.stop:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// OnSocketWritable runs write on a helper goroutine, off the loop goroutine
// entirely, and Posts fn back onto the loop with write's result once it
// returns. This is how the loop dispatches a blocking socket write (or a
// dial-then-write) without letting a slow or stuck peer stall every other
// callback queued behind it. fn always runs on the loop goroutine, in the
// order its write completed, and is never invoked after Break.
func (l *Loop) OnSocketWritable(write func() (int, error), fn func(n int, err error)) {
	go func() {
		n, err := write()
		l.Post(func() { fn(n, err) })
	}()
}

// Run processes posted callbacks until Break is called or the stop channel
// otherwise closes. It returns once no more callbacks will be dispatched.
func (l *Loop) Run() {
	defer close(l.stopped)
	for {
		select {
		case fn := <-l.cmds:
			fn()
		case <-l.stop:
			// Drain whatever was already queued before exiting, mirroring
			// the source's "ensure the payload channel is fully drained"
			// shutdown behavior.
			for {
				select {
				case fn := <-l.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Break requests that Run return once the current callback (if any) and any
// already-queued callbacks finish. Idempotent.
func (l *Loop) Break() {
	l.breakOnce.Do(func() { close(l.stop) })
}

// Stopped returns a channel that is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }

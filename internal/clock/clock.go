// Package clock abstracts wall time and timers so the engine's timers can be
// routed through its event loop and replaced by a fake clock in tests.
package clock

import "time"

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped it
	// before it ran.
	Stop() bool
}

// Clock supplies the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Posted returns a clock whose timer callbacks are handed to post instead of
// running on the timer goroutine. post is expected to enqueue the callback on
// a single event loop; a timer stopped from that loop never runs, even when
// the underlying timer already fired.
func Posted(base Clock, post func(func())) Clock {
	return &posted{base: base, post: post}
}

type posted struct {
	base Clock
	post func(func())
}

func (p *posted) Now() time.Time { return p.base.Now() }

func (p *posted) AfterFunc(d time.Duration, f func()) Timer {
	pt := &postedTimer{}
	pt.t = p.base.AfterFunc(d, func() {
		p.post(func() {
			if pt.stopped {
				return
			}
			pt.stopped = true
			f()
		})
	})
	return pt
}

// postedTimer fields are only touched from the event loop.
type postedTimer struct {
	t       Timer
	stopped bool
}

func (pt *postedTimer) Stop() bool {
	if pt.stopped {
		return false
	}
	pt.stopped = true
	pt.t.Stop()
	return true
}

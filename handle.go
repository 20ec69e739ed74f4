package aioloop

import (
	"sync/atomic"
	"time"
)

// Callback is a fire-once callback scheduled onto the reactor. The args
// bound at scheduling time are passed through verbatim.
type Callback func(args ...any)

// Handle is a cancellable reference to a scheduled callback.
//
// Cancellation is one-shot and idempotent: cancelling before the callback
// fires guarantees it never fires; cancelling afterwards has no effect.
// Cancel is safe from any goroutine.
type Handle struct {
	_ [0]func() // prevent copying

	callback  Callback
	args      []any
	cancelled atomic.Bool
}

func newHandle(cb Callback, args []any) *Handle {
	return &Handle{callback: cb, args: args}
}

// Cancel cancels the pending callback, reporting whether this call was the
// one that cancelled it (false if already cancelled or already fired).
func (h *Handle) Cancel() bool {
	return h.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether the handle has been cancelled.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// invoke runs the callback unless cancelled. The cancelled flag doubles as
// the fired flag so a post-fire Cancel is a no-op.
func (h *Handle) invoke() {
	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	h.callback(h.args...)
}

// TimerHandle is a cancellable reference to a timer callback scheduled via
// [Reactor.CallLater] or [Reactor.CallAt].
//
// Cancelled heap entries are discarded lazily when they reach the top of
// the timer heap; the callback is guaranteed not to fire either way.
type TimerHandle struct {
	Handle

	// when is the deadline on the reactor clock (elapsed since origin).
	when time.Duration
}

// When returns the deadline on the reactor's monotonic clock, comparable
// with [Reactor.Time].
func (h *TimerHandle) When() time.Duration {
	return h.when
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"context"
	"sync"
)

// Future is a one-shot settleable result bound to a reactor.
//
// A future settles exactly once, via SetResult, SetError, or Cancel.
// Settling is safe from any goroutine; done callbacks always run on the
// loop goroutine, in registration order.
type Future struct {
	_ [0]func() // prevent copying

	r *Reactor

	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	cancelled bool
	result    any
	err       error
	callbacks []func(*Future)
}

// CreateFuture returns a pending future bound to this reactor. Done
// callbacks registered on it will be dispatched through the reactor.
func (r *Reactor) CreateFuture() *Future {
	return &Future{r: r, done: make(chan struct{})}
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has settled.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancelled reports whether the future settled via [Future.Cancel].
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Result returns the settled value or error. Before the future settles it
// returns [ErrFuturePending]; after cancellation it returns
// [ErrFutureCancelled].
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		return nil, ErrFuturePending
	}
	return f.result, f.err
}

// SetResult settles the future with a value. Returns [ErrFutureDone] if
// already settled.
func (f *Future) SetResult(v any) error {
	return f.settle(v, nil, false)
}

// SetError settles the future with an error. Returns [ErrFutureDone] if
// already settled.
func (f *Future) SetError(err error) error {
	return f.settle(nil, err, false)
}

// Cancel settles the future with [ErrFutureCancelled], reporting whether
// this call settled it (false if already settled).
func (f *Future) Cancel() bool {
	return f.settle(nil, ErrFutureCancelled, true) == nil
}

func (f *Future) settle(v any, err error, cancelled bool) error {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return ErrFutureDone
	}
	f.settled = true
	f.cancelled = cancelled
	f.result = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.dispatch(cb)
	}
	return nil
}

// AddDoneCallback registers a callback to run on the loop once the future
// settles. Registering on an already-settled future dispatches the
// callback immediately (still via the loop).
func (f *Future) AddDoneCallback(cb func(*Future)) {
	if cb == nil {
		return
	}
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.dispatch(cb)
}

// dispatch routes a done callback through the loop's ingress queue so it
// observes single-goroutine callback discipline. When the reactor is
// closed there is no loop to run it; the callback runs inline as a last
// resort.
func (f *Future) dispatch(cb func(*Future)) {
	c := f.r.core
	if c.state.Load() == StateClosed {
		c.safeInvoke(f.r, newHandle(func(...any) { cb(f) }, nil))
		return
	}
	c.submit(newHandle(func(...any) { cb(f) }, nil))
}

// Await blocks until the future settles or ctx is done, returning the
// result. Must not be called from the loop goroutine: the loop cannot
// both block here and settle the future.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TaskFunc is the body of a [Task]. It runs on its own goroutine and may
// block; it settles the task with its return values.
type TaskFunc func(r *Reactor) (any, error)

// Task runs a function on a dedicated goroutine and settles as a future
// with its result. Panics are captured as [PanicError]; a body that exits
// via runtime.Goexit settles with [ErrGoexit].
type Task struct {
	*Future
}

// CreateTask starts fn on a new goroutine and returns the task tracking
// it. The task settles when fn returns.
//
// Cancelling the task settles the future immediately but does not
// interrupt fn; a body that needs cooperative cancellation should watch
// [Future.Done].
func (r *Reactor) CreateTask(fn TaskFunc) *Task {
	t := &Task{Future: r.CreateFuture()}
	go func() {
		var (
			v        any
			err      error
			returned bool
		)
		defer func() {
			if p := recover(); p != nil {
				t.settleTask(nil, PanicError{Value: p})
			} else if !returned {
				t.settleTask(nil, ErrGoexit)
			} else {
				t.settleTask(v, err)
			}
		}()
		v, err = fn(r)
		returned = true
	}()
	return t
}

// settleTask ignores ErrFutureDone so an already-cancelled task absorbs
// its body's eventual return.
func (t *Task) settleTask(v any, err error) {
	if err != nil {
		_ = t.SetError(err)
		return
	}
	_ = t.SetResult(v)
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"bytes"
	"container/heap"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// maxTimeout caps how long the run loop will sleep with no due timer. The
// wake channel and stop token interrupt the sleep, so the cap only bounds
// staleness of the clock snapshot.
const maxTimeout = 10 * time.Second

var reactorIDCounter atomic.Uint64

// ExceptionContext carries the details of an unhandled callback error to
// the reactor's exception handler. Message is always set; the other fields
// are populated when known.
type ExceptionContext struct {
	// Message describes where the error escaped from.
	Message string
	// Error is the escaped error or recovered panic.
	Error error
	// Handle is the scheduled callback involved, if any.
	Handle *Handle
	// Transport is the transport involved, if any.
	Transport any
	// Task is the task involved, if any.
	Task *Task
}

// ExceptionHandler consumes errors that escape scheduled callbacks and
// protocol dispatch. Handlers run on the loop goroutine; a panicking
// handler is contained and logged, never propagated.
type ExceptionHandler func(r *Reactor, ctx ExceptionContext)

// runToken is the stop signal slot for a single run of the loop. Taking
// the token out of the runner pointer and firing it is how Stop ends a
// run; the take is what makes Stop one-shot per run.
type runToken struct {
	once sync.Once
	ch   chan struct{}
}

func newRunToken() *runToken {
	return &runToken{ch: make(chan struct{})}
}

func (t *runToken) fire() {
	t.once.Do(func() { close(t.ch) })
}

// core is the state shared by every Reactor handle onto the same loop.
type core struct {
	id     uint64
	origin time.Time
	state  coreState

	// mu guards ingress and timers.
	mu      sync.Mutex
	ingress ingressQueue
	timers  timerHeap

	// wake nudges a sleeping run loop after a submission. Capacity 1 so
	// submitters never block; a pending wake covers any number of pushes.
	wake chan struct{}

	// runner holds the stop token while a run loop is active. Swapped to
	// nil by Stop; nil while running means a stop is already in flight.
	runner atomic.Pointer[runToken]

	excHandler atomic.Pointer[ExceptionHandler]
	debug      atomic.Bool

	// ownerGID is the goroutine that created the core; loopGID is the
	// goroutine currently driving the run loop (0 when idle). Debug mode
	// affinity checks compare against whichever is active.
	ownerGID uint64
	loopGID  atomic.Uint64

	resolver *resolverPool
}

// Reactor is a handle onto a single-goroutine callback-scheduling event
// loop with monotonic timers, network servers, and client connections.
//
// Reactor values are cheap to copy and share; all copies refer to the same
// underlying core. See the package documentation for the threading model.
type Reactor struct {
	core *core
}

// New creates a reactor in the idle state. The reactor's monotonic clock
// starts at zero at creation.
func New(opts ...Option) (*Reactor, error) {
	cfg, err := resolveReactorOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &core{
		id:       reactorIDCounter.Add(1),
		origin:   time.Now(),
		wake:     make(chan struct{}, 1),
		ownerGID: goroutineID(),
	}
	c.debug.Store(cfg.debug)
	c.resolver = newResolverPool(cfg.resolverWorkers)
	r := &Reactor{core: c}
	logDebug("reactor created",
		Field{"reactor_id", c.id},
		Field{"resolver_workers", cfg.resolverWorkers},
	)
	return r, nil
}

// ID returns the unique identifier of the underlying core.
func (r *Reactor) ID() uint64 {
	return r.core.id
}

// Time returns elapsed time on the reactor's monotonic clock, the same
// scale used by [Reactor.CallAt] and [TimerHandle.When].
func (r *Reactor) Time() time.Duration {
	return r.core.now()
}

// Millis returns [Reactor.Time] truncated to milliseconds.
func (r *Reactor) Millis() int64 {
	return r.core.now().Milliseconds()
}

// IsRunning reports whether a run loop is currently driving the reactor.
func (r *Reactor) IsRunning() bool {
	return r.core.state.Load() == StateRunning && r.core.runner.Load() != nil
}

// IsClosed reports whether the reactor has been closed.
func (r *Reactor) IsClosed() bool {
	return r.core.state.Load() == StateClosed
}

// Debug reports whether debug mode is enabled.
func (r *Reactor) Debug() bool {
	return r.core.debug.Load()
}

// SetDebug enables or disables debug mode. In debug mode, scheduling calls
// made from a goroutine other than the reactor's owner return an
// [AffinityError] instead of being accepted.
func (r *Reactor) SetDebug(enabled bool) {
	r.core.debug.Store(enabled)
}

// ExceptionHandler returns the custom exception handler, or nil when the
// default (log and continue) is in effect.
func (r *Reactor) ExceptionHandler() ExceptionHandler {
	if p := r.core.excHandler.Load(); p != nil {
		return *p
	}
	return nil
}

// SetExceptionHandler installs a custom handler for errors that escape
// scheduled callbacks. A nil handler restores the default behavior of
// logging at error level and continuing.
func (r *Reactor) SetExceptionHandler(h ExceptionHandler) {
	if h == nil {
		r.core.excHandler.Store(nil)
		return
	}
	r.core.excHandler.Store(&h)
}

// CallExceptionHandler routes an error context through the installed
// handler, or through the default when none is installed. An error or
// panic escaping the handler itself is contained and logged; it never
// recurses back into the handler.
func (r *Reactor) CallExceptionHandler(ctx ExceptionContext) {
	h := r.ExceptionHandler()
	if h == nil {
		logError(ctx.Message,
			Field{"reactor_id", r.core.id},
			Field{"error", ctx.Error},
		)
		return
	}
	defer func() {
		if v := recover(); v != nil {
			logError("unhandled error in exception handler",
				Field{"reactor_id", r.core.id},
				Field{"panic", v},
				Field{"original_error", ctx.Error},
			)
		}
	}()
	h(r, ctx)
}

// CallSoon schedules callback to run on the next loop iteration, after
// already-queued callbacks. Callbacks run in FIFO order, exactly once
// each unless cancelled.
//
// Safe to call from any goroutine, including from inside callbacks. In
// debug mode, calls from goroutines other than the owner are rejected
// with an [AffinityError].
func (r *Reactor) CallSoon(callback Callback, args ...any) (*Handle, error) {
	c := r.core
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.checkAffinity(); err != nil {
		return nil, err
	}
	h := newHandle(callback, args)
	c.submit(h)
	return h, nil
}

// CallLater schedules callback to run once after delay. A non-positive
// delay behaves like a zero delay: the timer is due immediately, ordered
// after already-due work. Timers firing at the same instant run in
// unspecified relative order.
func (r *Reactor) CallLater(delay time.Duration, callback Callback, args ...any) (*TimerHandle, error) {
	if delay < 0 {
		delay = 0
	}
	return r.scheduleTimer(r.core.now()+delay, callback, args)
}

// CallAt schedules callback to run once at an absolute deadline on the
// reactor clock (the [Reactor.Time] scale). A deadline in the past is due
// immediately.
func (r *Reactor) CallAt(when time.Duration, callback Callback, args ...any) (*TimerHandle, error) {
	return r.scheduleTimer(when, callback, args)
}

func (r *Reactor) scheduleTimer(when time.Duration, callback Callback, args []any) (*TimerHandle, error) {
	c := r.core
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.checkAffinity(); err != nil {
		return nil, err
	}
	th := &TimerHandle{
		Handle: Handle{callback: callback, args: args},
		when:   when,
	}
	c.mu.Lock()
	heap.Push(&c.timers, th)
	c.mu.Unlock()
	c.notify()
	return th, nil
}

// RunForever runs the loop until [Reactor.Stop] is called, or until
// SIGINT is received when stop-on-interrupt is enabled (the default).
// Pending callbacks and timers that have not fired when the run ends stay
// queued for a subsequent run.
//
// Returns [ErrAlreadyRunning] if another run is active and wraps
// [ErrNoEventLoop] if the reactor is closed.
func (r *Reactor) RunForever(opts ...RunOption) error {
	return r.run(resolveRunOptions(opts), nil)
}

// Awaitable is anything the loop can run to completion: a [Future], a
// [Task], or any value exposing the same settle semantics.
type Awaitable interface {
	// Done is closed when the value has settled.
	Done() <-chan struct{}
	// Result returns the settled value or error, or ErrFuturePending.
	Result() (any, error)
}

// RunUntilComplete runs the loop until the given awaitable settles, then
// stops and returns its result. If the run ends before it settles (an
// explicit Stop or an interrupt won the race), the result error is
// [ErrFuturePending].
//
// RunUntilComplete(r.CreateTask(fn)) runs the loop for the duration of fn.
func (r *Reactor) RunUntilComplete(aw Awaitable, opts ...RunOption) (any, error) {
	if err := r.run(resolveRunOptions(opts), aw.Done()); err != nil {
		return nil, err
	}
	return aw.Result()
}

func (r *Reactor) run(cfg *runOptions, done <-chan struct{}) error {
	c := r.core
	if !c.state.TryTransition(StateIdle, StateRunning) {
		switch c.state.Load() {
		case StateClosed:
			return noLoopError()
		default:
			return ErrAlreadyRunning
		}
	}

	token := newRunToken()
	c.runner.Store(token)
	defer func() {
		// A Stop racing the shutdown harmlessly fires the already-taken
		// token.
		if t := c.runner.Swap(nil); t != nil {
			t.fire()
		}
		c.loopGID.Store(0)
		c.state.TryTransition(StateRunning, StateIdle)
	}()

	var sig chan os.Signal
	if cfg.stopOnInterrupt {
		sig = make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)
	}

	// Callbacks observe a consistent goroutine for the life of the run.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	c.loopGID.Store(goroutineID())

	logDebug("run loop started", Field{"reactor_id", c.id})
	defer logDebug("run loop stopped", Field{"reactor_id", c.id})

	timer := time.NewTimer(maxTimeout)
	defer timer.Stop()

	for {
		c.runDueTimers(r)
		c.drainIngress(r)

		select {
		case <-token.ch:
			return nil
		default:
		}
		if done != nil {
			select {
			case <-done:
				return nil
			default:
			}
		}

		timeout, busy := c.nextTimeout()
		if busy {
			// Work arrived while draining; skip the sleep.
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case <-token.ch:
			return nil
		case <-sig:
			// sig is nil without stop-on-interrupt; a nil channel never
			// delivers.
			logInfo("interrupt received, stopping run loop", Field{"reactor_id", c.id})
			return nil
		case <-done:
		case <-c.wake:
		case <-timer.C:
		}
	}
}

// Stop requests that the current run of the loop end at its next
// iteration boundary, reporting whether this call is the one that stopped
// it (false if not running or already stopping). Safe from any goroutine
// and from inside callbacks.
//
// Stop does not close the reactor: queued work survives and a new run may
// be started afterwards.
func (r *Reactor) Stop() bool {
	t := r.core.runner.Swap(nil)
	if t == nil {
		return false
	}
	t.fire()
	return true
}

// Close releases the reactor's resources. Fails with [ErrReactorRunning]
// while a run loop is active. Closing an already-closed reactor is a
// no-op. After Close, every scheduling and run call reports the closed
// state via [ErrNoEventLoop].
func (r *Reactor) Close() error {
	c := r.core
	for {
		switch c.state.Load() {
		case StateRunning:
			return ErrReactorRunning
		case StateClosed:
			return nil
		}
		if c.state.TryTransition(StateIdle, StateClosed) {
			c.resolver.close()
			c.mu.Lock()
			c.ingress.Clear()
			c.timers = nil
			c.mu.Unlock()
			logDebug("reactor closed", Field{"reactor_id", c.id})
			return nil
		}
	}
}

// Getaddrinfo resolves host and port through the reactor's fixed worker
// pool, completing the returned future on the loop with []*AddrInfo. See
// [AddrInfoRequest] for the filter semantics.
func (r *Reactor) Getaddrinfo(req AddrInfoRequest) (*Future, error) {
	c := r.core
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	fut := r.CreateFuture()
	c.resolver.lookup(r, req, fut)
	return fut, nil
}

// now returns elapsed time since the reactor's origin.
func (c *core) now() time.Duration {
	return time.Since(c.origin)
}

func (c *core) checkOpen() error {
	if c.state.Load() == StateClosed {
		return noLoopError()
	}
	return nil
}

// checkAffinity enforces debug-mode goroutine affinity on scheduling
// calls made through the public API. Internal submissions from transport
// pumps bypass it: they funnel callbacks to the loop, which is the
// discipline the check exists to protect.
func (c *core) checkAffinity() error {
	if !c.debug.Load() {
		return nil
	}
	owner := c.loopGID.Load()
	if owner == 0 {
		owner = c.ownerGID
	}
	if gid := goroutineID(); gid != owner {
		return &AffinityError{ReactorID: c.id, OwnerGID: owner, CallerGID: gid}
	}
	return nil
}

// submit enqueues a handle and wakes the loop. The internal path for all
// cross-goroutine callback delivery.
func (c *core) submit(h *Handle) {
	c.mu.Lock()
	c.ingress.Push(h)
	c.mu.Unlock()
	c.notify()
}

func (c *core) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// runDueTimers pops and fires every timer due at the current clock
// reading. Cancelled entries are discarded as they surface.
func (c *core) runDueTimers(r *Reactor) {
	now := c.now()
	for {
		c.mu.Lock()
		if len(c.timers) == 0 || c.timers[0].when > now {
			c.mu.Unlock()
			return
		}
		th := heap.Pop(&c.timers).(*TimerHandle)
		c.mu.Unlock()
		if th.Cancelled() {
			continue
		}
		c.safeInvoke(r, &th.Handle)
	}
}

// drainIngress runs every callback queued at entry. Callbacks that
// schedule more callbacks see them run on the next iteration, preserving
// FIFO fairness against timers and the stop check.
func (c *core) drainIngress(r *Reactor) {
	c.mu.Lock()
	n := c.ingress.Length()
	c.mu.Unlock()
	for ; n > 0; n-- {
		c.mu.Lock()
		h, ok := c.ingress.Pop()
		c.mu.Unlock()
		if !ok {
			return
		}
		c.safeInvoke(r, h)
	}
}

// safeInvoke runs a handle's callback, containing panics and routing them
// through the exception handler.
func (c *core) safeInvoke(r *Reactor, h *Handle) {
	defer func() {
		if v := recover(); v != nil {
			r.CallExceptionHandler(ExceptionContext{
				Message: "exception in callback",
				Error:   PanicError{Value: v},
				Handle:  h,
			})
		}
	}()
	h.invoke()
}

// nextTimeout computes how long the loop may sleep. busy reports that
// ingress work or a due timer already exists, in which case the caller
// skips sleeping entirely. Cancelled timers at the top of the heap are
// discarded here so they cannot inflate the wakeup.
func (c *core) nextTimeout() (timeout time.Duration, busy bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ingress.Length() > 0 {
		return 0, true
	}
	for len(c.timers) > 0 && c.timers[0].Cancelled() {
		heap.Pop(&c.timers)
	}
	if len(c.timers) == 0 {
		return maxTimeout, false
	}
	d := c.timers[0].when - now
	if d <= 0 {
		return 0, true
	}
	if d > maxTimeout {
		d = maxTimeout
	}
	return d, false
}

// timerHeap is a min-heap of timer handles ordered by deadline.
// Same-deadline entries compare equal; their relative order is
// unspecified.
type timerHeap []*TimerHandle

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*TimerHandle))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	th := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return th
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID extracts the current goroutine's ID from the runtime stack
// header. Used only for debug-mode affinity checks and error reporting,
// never for control flow.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

package aioloop

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrReactorRunning is returned by [Reactor.Close] while the reactor is
	// running.
	ErrReactorRunning = errors.New("aioloop: cannot close a running reactor")

	// ErrAlreadyRunning is returned by the Run methods when another run loop
	// already drives the reactor.
	ErrAlreadyRunning = errors.New("aioloop: this event loop is already running")

	// ErrNoEventLoop is returned when an operation is attempted on a
	// reactor whose core has already been closed.
	ErrNoEventLoop = errors.New("aioloop: there is no current event loop")

	// ErrFuturePending is returned by [Future.Result] before the future
	// has settled.
	ErrFuturePending = errors.New("aioloop: future result is not set")

	// ErrFutureDone is returned when settling a future that has already
	// settled.
	ErrFutureDone = errors.New("aioloop: future is already done")

	// ErrFutureCancelled is the error carried by a cancelled future.
	ErrFutureCancelled = errors.New("aioloop: future was cancelled")

	// ErrTransportClosed is returned by transport operations after the
	// transport has been closed.
	ErrTransportClosed = errors.New("aioloop: transport is closed")

	// ErrTLSNotSupported is returned when a TLS config is supplied to a
	// surface that does not implement the handshake yet.
	ErrTLSNotSupported = errors.New("aioloop: tls is not supported yet")

	// ErrInvalidConfig is wrapped by synchronous validation failures on
	// server and connection configuration.
	ErrInvalidConfig = errors.New("aioloop: invalid configuration")

	// ErrGoexit rejects a task whose goroutine exited via runtime.Goexit.
	ErrGoexit = errors.New("aioloop: task goroutine exited via runtime.Goexit")
)

// noLoopError reports the goroutine that observed the closed core, matching
// the "no current event loop in thread X" shape consumers expect.
func noLoopError() error {
	return fmt.Errorf("%w in goroutine %d", ErrNoEventLoop, goroutineID())
}

// AffinityError reports a debug-mode thread-affinity violation: a mutating
// call originated from a goroutine other than the one owning the core.
type AffinityError struct {
	ReactorID uint64
	OwnerGID  uint64
	CallerGID uint64
}

// Error implements the error interface.
func (e *AffinityError) Error() string {
	return fmt.Sprintf(
		"aioloop: non-thread-safe operation invoked on a reactor other than the current one (reactor %d owned by goroutine %d, called from goroutine %d)",
		e.ReactorID, e.OwnerGID, e.CallerGID)
}

// PanicError wraps a panic value recovered from a task or callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("aioloop: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling [errors.Is] and [errors.As] through the cause chain.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrorKind classifies an OS-level socket error into the small taxonomy
// consumers dispatch on. Classification is deliberately coarse: anything
// that is not one of the named kinds is KindGeneric.
type ErrorKind int

const (
	// KindGeneric is any OS error without a more specific classification.
	KindGeneric ErrorKind = iota
	// KindTimeout is a deadline or socket timeout.
	KindTimeout
	// KindBrokenPipe is a write to a closed peer (EPIPE).
	KindBrokenPipe
	// KindConnectionRefused is a refused connection attempt (ECONNREFUSED).
	KindConnectionRefused
	// KindConnectionAborted is a locally aborted connection (ECONNABORTED).
	KindConnectionAborted
	// KindConnectionReset is a peer reset (ECONNRESET).
	KindConnectionReset
	// KindInterrupted is an interrupted syscall (EINTR).
	KindInterrupted
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindBrokenPipe:
		return "broken pipe"
	case KindConnectionRefused:
		return "connection refused"
	case KindConnectionAborted:
		return "connection aborted"
	case KindConnectionReset:
		return "connection reset"
	case KindInterrupted:
		return "interrupted"
	default:
		return "os error"
	}
}

// ConnError is an OS-level socket error paired with its classification.
// It is the error type delivered to ConnectionLost callbacks on I/O failure.
type ConnError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	return fmt.Sprintf("aioloop: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for use with [errors.Is] and
// [errors.As].
func (e *ConnError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a timeout, satisfying net.Error
// style checks.
func (e *ConnError) Timeout() bool {
	return e.Kind == KindTimeout
}

// ClassifyError maps an arbitrary I/O error onto an [ErrorKind].
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return KindTimeout
	}
	switch {
	case errors.Is(err, unix.EPIPE):
		return KindBrokenPipe
	case errors.Is(err, unix.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, unix.ECONNABORTED):
		return KindConnectionAborted
	case errors.Is(err, unix.ECONNRESET):
		return KindConnectionReset
	case errors.Is(err, unix.EINTR):
		return KindInterrupted
	}
	return KindGeneric
}

// newConnError classifies and wraps err. Returns nil for nil.
func newConnError(err error) *ConnError {
	if err == nil {
		return nil
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnError{Kind: ClassifyError(err), Err: err}
}

// LookupError is a resolver failure from the getaddrinfo worker pool.
type LookupError struct {
	Host string
	Err  error
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	return fmt.Sprintf("aioloop: getaddrinfo %q: %v", e.Host, e.Err)
}

// Unwrap returns the underlying error for use with [errors.Is] and
// [errors.As].
func (e *LookupError) Unwrap() error {
	return e.Err
}

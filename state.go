package aioloop

import (
	"sync/atomic"
)

// CoreState represents the lifecycle state of a reactor core.
//
// State Machine:
//
//	StateIdle (0) → StateRunning (1)   [RunForever / RunUntilComplete]
//	StateRunning (1) → StateIdle (0)   [run predicate satisfied]
//	StateIdle (0) → StateClosed (2)    [Close]
//	StateClosed (2) → (terminal)
//
// Transition Rules:
//   - Use TryTransition (CAS) for the Idle↔Running pair; the loser of a
//     Run/Close race observes the state it lost to.
//   - StateClosed is irreversible; every handle sharing the core observes
//     it without further synchronization.
type CoreState uint32

const (
	// StateIdle indicates the core exists but no run loop is active.
	StateIdle CoreState = 0
	// StateRunning indicates a run loop currently drives the core.
	StateRunning CoreState = 1
	// StateClosed indicates the core has been closed and released its
	// resources. Terminal.
	StateClosed CoreState = 2
)

// String returns a human-readable representation of the state.
func (s CoreState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// coreState is a lock-free state cell shared by every handle onto a core.
type coreState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *coreState) Load() CoreState {
	return CoreState(s.v.Load())
}

// Store atomically stores a new state. Reserved for irreversible
// transitions (StateClosed); using it for Idle/Running breaks CAS logic.
func (s *coreState) Store(state CoreState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to
// another, reporting success.
func (s *coreState) TryTransition(from, to CoreState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

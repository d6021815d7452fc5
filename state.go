package corebroker

import (
	"sync/atomic"
)

// LoopState represents the current state of a ThreadCore's EventLoop.
//
// State machine:
//
//	StateAwake (0) → StateRunning (3)        [Run]
//	StateRunning (3) → StateSleeping (2)     [poll, via CAS]
//	StateRunning (3) → StateTerminating (4)  [Shutdown]
//	StateSleeping (2) → StateRunning (3)     [poll wake, via CAS]
//	StateSleeping (2) → StateTerminating (4) [Shutdown]
//	StateTerminating (4) → StateTerminated (1) [shutdown complete]
//	StateTerminated (1) → (terminal)
//
// Use TryTransition (CAS) for the temporary states (Running, Sleeping); use
// Store only for the irreversible Terminated state. Storing Running or
// Sleeping directly breaks the CAS-based transition logic.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has stopped and is fully shut down.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked in poll waiting for events.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is actively processing tasks.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding to avoid
// false sharing between cores polling it from different workers.
type FastState struct { // betteralign:ignore
	_ [64]byte      // cache line padding (before value)
	v atomic.Uint64 // state value
	_ [56]byte      // pad to complete cache line (64 - 8 = 56)
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, bypassing transition validation.
// Only safe for the irreversible Terminated state.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to
// another. Returns true if the transition succeeded.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of the given source states
// to the target. Returns true if one succeeded.
func (s *FastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the current state is Terminated.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning returns true if the loop is currently running or sleeping.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork returns true if the loop can accept new work.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}

// Package loop implements the event loop (C7): the cooperative,
// single-goroutine-owned scheduler each worker process runs, directly
// grounded on the teacher's eventloop/loop.go Loop — its tick
// structure (time update, poll, timer run, posted-queue drain), dual
// wakeup path, and cache-line-padded atomic state machine are kept;
// the task-queue/promise/microtask vocabulary is replaced with the
// worker-tick vocabulary the specification calls for (accept-mutex
// arbitration, connection readiness dispatch, timer expiry).
package loop

import "sync/atomic"

// State is the lifecycle state of a Loop, mirroring the teacher's
// state.go LoopState enum including its explicit numeric values (kept
// stable because other tooling may persist/compare them).
type State uint32

const (
	StateAwake       State = 0
	StateTerminated  State = 1
	StateSleeping    State = 2
	StateRunning     State = 3
	StateTerminating State = 4
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateTerminated:
		return "terminated"
	case StateSleeping:
		return "sleeping"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// fastState is a cache-line-padded atomic state holder, matching the
// teacher's FastState: the padding keeps the hot state word from
// false-sharing a cache line with neighboring fields that other
// goroutines touch independently (the submit queue's head pointer, in
// particular).
type fastState struct {
	_     [64]byte
	value atomic.Uint32
	_     [60]byte
}

func (s *fastState) Load() State { return State(s.value.Load()) }

func (s *fastState) Store(v State) { s.value.Store(uint32(v)) }

// TryTransition performs a CAS from `from` to `to`, the building block
// every lifecycle transition in the loop uses instead of a mutex.
func (s *fastState) TryTransition(from, to State) bool {
	return s.value.CompareAndSwap(uint32(from), uint32(to))
}

// IsTerminal reports whether the loop has fully stopped.
func (s *fastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// CanAcceptWork reports whether Submit should still enqueue work rather
// than reject it.
func (s *fastState) CanAcceptWork() bool {
	switch s.Load() {
	case StateTerminating, StateTerminated:
		return false
	default:
		return true
	}
}

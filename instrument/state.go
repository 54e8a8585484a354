// Package instrument attaches to a running target process, installs a
// breakpoint at a signature-scanned instruction, and streams the value of a
// general purpose register captured at every hit.
package instrument

import "errors"

var (
	// ErrBreakpointInstallFailed is returned when the breakpoint byte cannot be
	// written at the resolved address.
	ErrBreakpointInstallFailed = errors.New("breakpoint install failed")

	// ErrNotArmed is returned for operations that require an armed session.
	ErrNotArmed = errors.New("session not armed")

	// ErrAlreadyArmed is returned when Arm is called twice on one session.
	ErrAlreadyArmed = errors.New("session already armed")
)

// State describes where a session is in its lifecycle.
type State int

const (
	StateDetached State = iota
	StateAttaching
	StateScanning
	StateArmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateScanning:
		return "scanning"
	case StateArmed:
		return "armed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason is why a session reached a terminal state. ReasonProcessExited is a
// normal end of the value stream, not an error.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDetached
	ReasonProcessExited
	ReasonFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDetached:
		return "detached"
	case ReasonProcessExited:
		return "process exited"
	case ReasonFailed:
		return "failed"
	default:
		return "unknown"
	}
}

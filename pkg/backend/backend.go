// Package backend defines the capability contract through which the
// inspector reads target memory and controls execution, independent of the
// concrete debugging transport behind it.
package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures. Read-level failures degrade to
// per-slot unreadable nodes; only KindDisconnected detaches the session.
type ErrorKind int

const (
	// KindProtocol is a protocol-level failure from the concrete
	// debugger or probe integration.
	KindProtocol ErrorKind = iota
	// KindUnreachable means the target could not be read.
	KindUnreachable
	// KindInvalidAddress means the request named memory the target does
	// not map.
	KindInvalidAddress
	// KindDisconnected means the backend itself is gone.
	KindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "target unreachable"
	case KindInvalidAddress:
		return "invalid address"
	case KindDisconnected:
		return "backend disconnected"
	default:
		return "protocol failure"
	}
}

// Error is a typed backend failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a backend failure of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// IsDisconnected reports whether err means the backend connection is gone.
func IsDisconnected(err error) bool {
	return IsKind(err, KindDisconnected)
}

// BreakpointHandle identifies one installed breakpoint.
type BreakpointHandle struct {
	ID   int
	Addr uint64
}

// StopKind says why the target stopped.
type StopKind int

const (
	// StopUnknown is any stop the surrounding tool caused.
	StopUnknown StopKind = iota
	// StopBreakpoint is a hit on an installed breakpoint.
	StopBreakpoint
	// StopPaused means the target was already halted when asked.
	StopPaused
	// StopExited means the target process finished.
	StopExited
)

func (k StopKind) String() string {
	switch k {
	case StopBreakpoint:
		return "breakpoint"
	case StopPaused:
		return "paused"
	case StopExited:
		return "exited"
	default:
		return "stopped"
	}
}

// StopReason describes one stop event delivered by the backend.
type StopReason struct {
	Kind StopKind
	// Addr is the stop address when the backend reports one.
	Addr uint64
}

// Backend is the capability set the snapshot orchestrator consumes. All
// methods are blocking calls from the orchestrator's perspective.
type Backend interface {
	// ReadMemory reads n bytes at addr while the target is halted.
	ReadMemory(addr uint64, n int) ([]byte, error)

	// SetBreakpoint installs a breakpoint at the given address.
	SetBreakpoint(addr uint64) (BreakpointHandle, error)

	// Resume lets the target run. It must not block until the next stop.
	Resume() error

	// WaitForStop blocks until the target halts and reports why.
	WaitForStop() (StopReason, error)

	// Detach releases the target. No further calls are valid afterwards.
	Detach() error
}

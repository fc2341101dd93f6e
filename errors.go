package spslink

import (
	"errors"
	"fmt"
)

// ErrorState classifies the failure modes of the SPS core's own API surface.
// Collaborator failures (AT command errors, stream write timeouts) are
// propagated unchanged, wrapped only for context.
type ErrorState string

const (
	// NotInitialised means the module-wide state is absent, typically a
	// closed Manager.
	NotInitialised ErrorState = "not_initialised"
	// InvalidParameter means an unknown handle or channel, or a callback
	// registration conflicting with the current subscription state.
	InvalidParameter ErrorState = "invalid_parameter"
	// InvalidMode means the instance is not in a state that permits the
	// operation, e.g. connecting while in data mode.
	InvalidMode ErrorState = "invalid_mode"
	// NotImplemented marks the SPS server handle and flow control
	// operations that the module does not support yet.
	NotImplemented ErrorState = "not_implemented"
)

// Error is the typed error returned by all facade operations.
type Error struct {
	State ErrorState
	Msg   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare Error values by State.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for the facade.
var (
	ErrNotInitialised   = &Error{State: NotInitialised}
	ErrInvalidParameter = &Error{State: InvalidParameter}
	ErrInvalidMode      = &Error{State: InvalidMode}
	ErrNotImplemented   = &Error{State: NotImplemented}
)

// IsErrorState reports whether err is an Error with the given state.
func IsErrorState(err error, state ErrorState) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.State == state
	}
	return false
}

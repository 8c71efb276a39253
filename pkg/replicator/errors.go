package replicator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by operations on a controller that is not
	// started.
	ErrNotRunning = errors.New("replicator: not running")

	// ErrAlreadyRunning is returned by Start on a started controller.
	ErrAlreadyRunning = errors.New("replicator: already running")

	// ErrNotSupported is returned when the plugin lacks a capability.
	ErrNotSupported = errors.New("replicator: operation not supported by plugin")

	// ErrNotOnline is returned by operations that require the online state.
	ErrNotOnline = errors.New("replicator: not online")

	// ErrInvalidPattern is returned for extended actions with a bad state
	// pattern.
	ErrInvalidPattern = errors.New("replicator: invalid state pattern")
)

// Error is returned by every management operation. It keeps the underlying
// fault reachable through errors.Is and errors.As.
type Error struct {
	Op  string
	Err error
}

func newError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("replicator: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the human readable message without the operation prefix.
func (e *Error) Message() string { return e.Err.Error() }

// Causes returns the messages of the wrapped error chain, outermost first.
func (e *Error) Causes() []string {
	var out []string
	for err := errors.Unwrap(e.Err); err != nil; err = errors.Unwrap(err) {
		out = append(out, err.Error())
	}
	return out
}

// rootCause returns the innermost error of the chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

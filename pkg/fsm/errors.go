package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApplicable is returned when no transition matches the event in the
	// current state or any of its ancestors.
	ErrNotApplicable = errors.New("fsm: event not valid in current state")

	// ErrQueueFull is returned when the dispatcher queue has no free slot.
	ErrQueueFull = errors.New("fsm: event queue is full")

	// ErrStopped is returned for events submitted to, or stranded in, a
	// stopped machine.
	ErrStopped = errors.New("fsm: machine stopped")

	// ErrCancelled is returned by Request.Wait for requests cancelled before
	// the dispatcher picked them up.
	ErrCancelled = errors.New("fsm: request cancelled")

	// ErrInvalidTable is wrapped by every table build error.
	ErrInvalidTable = errors.New("fsm: invalid state table")
)

// NotApplicableError describes an event rejected in a given state.
type NotApplicableError struct {
	State string
	Event string
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("event %s is not valid in state %s", e.Event, e.State)
}

// Unwrap lets errors.Is match ErrNotApplicable.
func (e *NotApplicableError) Unwrap() error { return ErrNotApplicable }

// RollbackError is returned by actions that detected a recoverable
// precondition failure. The state is left at its pre-transition value.
type RollbackError struct {
	Reason string
	Cause  error
}

// Rollback creates a RollbackError with a formatted reason.
func Rollback(format string, args ...any) *RollbackError {
	return &RollbackError{Reason: fmt.Sprintf(format, args...)}
}

func (e *RollbackError) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// FatalError wraps an unexpected action failure after the machine has been
// forced into its error state.
type FatalError struct {
	Transition string
	From       string
	Cause      error
}

// Fatal wraps cause as a fatal fault.
func Fatal(cause error) *FatalError {
	return &FatalError{Cause: cause}
}

func (e *FatalError) Error() string {
	if e.Transition == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("transition %s from %s failed: %v", e.Transition, e.From, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Outcome is the classification of one processed event.
type Outcome string

const (
	OutcomeCommitted     Outcome = "committed"
	OutcomeNotApplicable Outcome = "not_applicable"
	OutcomeRollback      Outcome = "rollback"
	OutcomeFatal         Outcome = "fatal"
	OutcomeCancelled     Outcome = "cancelled"
)

// classify maps an action error onto the closed fault set.
func classify(err error) Outcome {
	var rb *RollbackError
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.As(err, &rb):
		return OutcomeRollback
	case errors.Is(err, ErrNotApplicable):
		return OutcomeNotApplicable
	default:
		return OutcomeFatal
	}
}

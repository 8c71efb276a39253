package fsm

import (
	"context"
	"time"
)

// Action is a side-effecting unit run during a transition or on state
// entry/exit. Env is the explicit context shared by all actions; the
// Transition carries everything specific to the event being processed.
type Action[E any] func(ctx context.Context, env E, tr *Transit) error

// Transition is one edge of the table. A nil target makes the transition
// internal: the action runs and the current leaf state is kept.
type Transition[E any] struct {
	name   string
	source *State
	guard  Guard[E]
	action Action[E]
	target *State
}

// Name returns the transition name.
func (t *Transition[E]) Name() string { return t.name }

// Source returns the state the transition is registered against.
func (t *Transition[E]) Source() *State { return t.source }

// Target returns the destination state, or nil for internal transitions.
func (t *Transition[E]) Target() *State { return t.target }

// Transit is handed to every action invoked while one event is processed.
type Transit struct {
	name    string
	event   Event
	from    *State
	to      *State
	request *Request
	poster  poster
	result  any
	exited  bool
}

type poster interface {
	submit(ev Event) (*Request, error)
	submitAfter(d time.Duration, ev Event) func() bool
}

// Name returns the name of the transition being taken.
func (t *Transit) Name() string { return t.name }

// Event returns the event being processed.
func (t *Transit) Event() Event { return t.event }

// From returns the leaf state current when processing started.
func (t *Transit) From() *State { return t.from }

// To returns the leaf state that will be current if the transition commits.
func (t *Transit) To() *State { return t.to }

// RequestID returns the identifier of the request being processed.
func (t *Transit) RequestID() string { return t.request.ID() }

// SetResult stores the value returned to a synchronous submitter.
func (t *Transit) SetResult(v any) { t.result = v }

// Post enqueues a follow-up event. It is safe to call after the action has
// returned, e.g. from a goroutine waiting on a plugin future.
func (t *Transit) Post(ev Event) (*Request, error) { return t.poster.submit(ev) }

// PostAfter enqueues ev once d has elapsed. The returned function cancels
// the pending post and reports whether it was still pending.
func (t *Transit) PostAfter(d time.Duration, ev Event) func() bool {
	return t.poster.submitAfter(d, ev)
}

package fsm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle of a submitted request.
type Status int32

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
	StatusCancelled
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is the completion handle returned for every submitted event.
type Request struct {
	id        string
	event     Event
	submitted time.Time
	status    atomic.Int32
	done      chan struct{}
	stopped   <-chan struct{}

	// written once by the dispatcher before done is closed
	result  any
	err     error
	outcome Outcome
}

func newRequest(ev Event, stopped <-chan struct{}) *Request {
	return &Request{
		id:        uuid.NewString(),
		event:     ev,
		submitted: time.Now(),
		done:      make(chan struct{}),
		stopped:   stopped,
	}
}

// ID returns the unique request identifier.
func (r *Request) ID() string { return r.id }

// Event returns the submitted event.
func (r *Request) Event() Event { return r.event }

// Submitted returns the submission time.
func (r *Request) Submitted() time.Time { return r.submitted }

// Status returns the current request status.
func (r *Request) Status() Status { return Status(r.status.Load()) }

// Done is closed once the request has completed or was cancelled.
func (r *Request) Done() <-chan struct{} { return r.done }

// Outcome returns how the dispatcher classified the request. Only meaningful
// after Done is closed.
func (r *Request) Outcome() Outcome { return r.outcome }

// Cancel withdraws a request that has not started yet. It reports whether
// the cancellation took effect.
func (r *Request) Cancel() bool {
	if !r.status.CompareAndSwap(int32(StatusQueued), int32(StatusCancelled)) {
		return false
	}
	r.outcome = OutcomeCancelled
	r.err = ErrCancelled
	close(r.done)
	return true
}

// Wait blocks until the request completes, ctx is done or the machine stops.
// It returns the action result and the fault annotation, if any.
func (r *Request) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stopped:
		select {
		case <-r.done:
			return r.result, r.err
		default:
			return nil, ErrStopped
		}
	}
}

func (r *Request) begin() bool {
	return r.status.CompareAndSwap(int32(StatusQueued), int32(StatusRunning))
}

func (r *Request) complete(outcome Outcome, result any, err error) {
	r.result = result
	r.err = err
	r.outcome = outcome
	r.status.Store(int32(StatusDone))
	close(r.done)
}

// abandon completes a request stranded in the queue of a stopped machine.
func (r *Request) abandon() {
	if r.status.CompareAndSwap(int32(StatusQueued), int32(StatusDone)) {
		r.outcome = OutcomeCancelled
		r.err = ErrStopped
		close(r.done)
	}
}

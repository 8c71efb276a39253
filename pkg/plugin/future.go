package plugin

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous plugin operation.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value string
	err   error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved(value string, err error) *Future {
	f := NewFuture()
	f.Resolve(value, err)
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future) Resolve(value string, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result or ctx.
func (f *Future) Get(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

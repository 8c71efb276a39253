package waiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bft-labs/replicator/pkg/fsm"
	"github.com/bft-labs/replicator/pkg/log"
)

// DefaultPoolSize bounds concurrent waiters when no size is configured.
const DefaultPoolSize = 64

var (
	// ErrUnknownState is returned for names that designate no state.
	ErrUnknownState = errors.New("waiter: unknown state")

	// ErrErrorState is returned when the error state is entered during a wait
	// for another state.
	ErrErrorState = errors.New("waiter: error state reached")

	// ErrClosed is returned once the broker has been closed.
	ErrClosed = errors.New("waiter: broker closed")
)

// Source exposes the state machine to the broker.
type Source interface {
	State() *fsm.State
	Known(name string) bool
	ErrorState() *fsm.State
}

type result struct {
	matched bool
	state   *fsm.State
}

type subscription struct {
	target string
	ch     chan result
}

// Broker fans state changes out to waiters.
type Broker struct {
	src    Source
	logger log.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l log.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPoolSize bounds the number of concurrent waiters.
func WithPoolSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a broker reading states from src.
func New(src Source, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		src:    src,
		logger: log.NewNoopLogger(),
		sem:    semaphore.NewWeighted(DefaultPoolSize),
		subs:   make(map[*subscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers a committed state to the waiters. It never blocks and is
// called from the state change listener.
func (b *Broker) Publish(s *fsm.State) {
	errState := b.src.ErrorState()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		switch {
		case s.Is(sub.target):
			sub.ch <- result{matched: true, state: s}
		case errState != nil && s == errState:
			sub.ch <- result{state: s}
		default:
			continue
		}
		delete(b.subs, sub)
	}
}

// Wait blocks until the current state matches name, the error state is
// entered, timeout elapses or ctx is done. It returns true on match and
// false on timeout. A non-positive timeout waits until ctx is done.
func (b *Broker) Wait(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	if !b.src.Known(name) {
		return false, fmt.Errorf("%w: %s", ErrUnknownState, name)
	}
	if b.src.State().Is(name) {
		return true, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return false, timeoutResult(err)
	}
	defer b.sem.Release(1)

	sub, err := b.subscribe(name)
	if err != nil {
		return false, err
	}
	defer b.unsubscribe(sub)

	// subscribe first so a change between the check and the select is seen
	if cur := b.src.State(); cur.Is(name) {
		return true, nil
	}

	select {
	case r := <-sub.ch:
		if r.matched {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s while waiting for %s", ErrErrorState, r.state.Name(), name)
	case <-ctx.Done():
		return false, timeoutResult(ctx.Err())
	case <-b.ctx.Done():
		return false, ErrClosed
	}
}

// Go runs a wait in the background and hands the result to fn. Close waits
// for all such goroutines.
func (b *Broker) Go(name string, timeout time.Duration, fn func(matched bool, err error)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		matched, err := b.Wait(b.ctx, name, timeout)
		if errors.Is(err, context.Canceled) && b.ctx.Err() != nil {
			err = ErrClosed
		}
		fn(matched, err)
	}()
	return nil
}

// Pending returns the number of active subscriptions.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close releases all waiters with ErrClosed and waits for background waits.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *Broker) subscribe(name string) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &subscription{target: name, ch: make(chan result, 1)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// timeoutResult maps a deadline to a plain negative result.
func timeoutResult(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

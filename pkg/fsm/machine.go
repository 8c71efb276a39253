package fsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/replicator/pkg/log"
)

// DefaultQueueSize bounds each dispatcher lane.
const DefaultQueueSize = 1024

// Listener is notified of every committed state change, on the dispatcher
// goroutine and in commit order. Listeners must return quickly.
type Listener func(from, to *State, ev Event)

// FatalHandler is called on the dispatcher goroutine after a fatal fault has
// forced the error state. from is the state current before the failed
// transition.
type FatalHandler[E any] func(ctx context.Context, env E, from *State, ev Event, err error)

// OutcomeObserver is told how every request was classified.
type OutcomeObserver func(ev Event, outcome Outcome)

// Option configures a Machine.
type Option[E any] func(*Machine[E])

// WithLogger sets the dispatcher logger.
func WithLogger[E any](l log.Logger) Option[E] {
	return func(m *Machine[E]) { m.logger = l }
}

// WithQueueSize sets the capacity of each lane.
func WithQueueSize[E any](n int) Option[E] {
	return func(m *Machine[E]) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithListener adds a state change listener.
func WithListener[E any](l Listener) Option[E] {
	return func(m *Machine[E]) { m.listeners = append(m.listeners, l) }
}

// WithFatalHandler sets the handler invoked after fatal faults.
func WithFatalHandler[E any](h FatalHandler[E]) Option[E] {
	return func(m *Machine[E]) { m.onFatal = h }
}

// WithOutcomeObserver adds an observer of request outcomes.
func WithOutcomeObserver[E any](o OutcomeObserver) Option[E] {
	return func(m *Machine[E]) { m.observers = append(m.observers, o) }
}

// Machine is the serial event dispatcher. Exactly one action runs at a time,
// on a single goroutine started by Start.
type Machine[E any] struct {
	table     *Table[E]
	env       E
	logger    log.Logger
	queueSize int
	listeners []Listener
	observers []OutcomeObserver
	onFatal   FatalHandler[E]

	normal   chan *Request
	priority chan *Request
	current  atomic.Pointer[State]

	mu      sync.Mutex
	started bool
	closing bool
	cancel  context.CancelFunc
	quit    chan struct{}
	stopped chan struct{}
}

// NewMachine creates a machine positioned at the table's start state.
func NewMachine[E any](table *Table[E], env E, opts ...Option[E]) *Machine[E] {
	m := &Machine[E]{
		table:     table,
		env:       env,
		logger:    log.NewNoopLogger(),
		queueSize: DefaultQueueSize,
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.normal = make(chan *Request, m.queueSize)
	m.priority = make(chan *Request, m.queueSize)
	m.current.Store(table.Start())
	return m
}

// Table returns the machine's table.
func (m *Machine[E]) Table() *Table[E] { return m.table }

// State returns the current leaf state. Safe to call from any goroutine.
func (m *Machine[E]) State() *State { return m.current.Load() }

// Known reports whether name designates a state of the table.
func (m *Machine[E]) Known(name string) bool {
	_, ok := m.table.Lookup(name)
	return ok
}

// ErrorState returns the designated error state, or nil.
func (m *Machine[E]) ErrorState() *State { return m.table.ErrorState() }

// Done is closed once the dispatcher has exited.
func (m *Machine[E]) Done() <-chan struct{} { return m.stopped }

// Start launches the dispatcher goroutine. Actions receive a context derived
// from ctx that is cancelled by Stop.
func (m *Machine[E]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closing {
		return ErrStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	go m.run(runCtx)
	return nil
}

// Stop asks the dispatcher to exit after the action in progress, interrupts
// that action's context and waits for the dispatcher to finish. Queued
// requests complete with ErrStopped.
func (m *Machine[E]) Stop() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		<-m.stopped
		return
	}
	m.closing = true
	close(m.quit)
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if !started {
		m.drain()
		close(m.stopped)
		return
	}
	cancel()
	<-m.stopped
}

// Submit enqueues ev and returns its completion handle. Out-of-band events go
// to the priority lane.
func (m *Machine[E]) Submit(ev Event) (*Request, error) {
	return m.submit(ev)
}

// Do submits ev and waits for its completion.
func (m *Machine[E]) Do(ctx context.Context, ev Event) (any, error) {
	req, err := m.submit(ev)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

func (m *Machine[E]) submit(ev Event) (*Request, error) {
	select {
	case <-m.quit:
		return nil, ErrStopped
	default:
	}
	req := newRequest(ev, m.stopped)
	lane := m.normal
	if isOutOfBand(ev) {
		lane = m.priority
	}
	select {
	case lane <- req:
		return req, nil
	default:
		m.logger.Error("cannot enqueue event",
			log.String("event", ev.Kind()),
			log.Int("queueSize", m.queueSize),
		)
		return nil, ErrQueueFull
	}
}

func (m *Machine[E]) submitAfter(d time.Duration, ev Event) func() bool {
	t := time.AfterFunc(d, func() {
		if _, err := m.submit(ev); err != nil {
			m.logger.Debug("delayed event dropped", log.String("event", ev.Kind()), log.Err(err))
		}
	})
	return t.Stop
}

func (m *Machine[E]) run(ctx context.Context) {
	defer close(m.stopped)
	defer m.drain()

	for {
		if m.current.Load().Kind() == KindEnd {
			m.logger.Info("end state reached, dispatcher exiting")
			return
		}
		select {
		case <-m.quit:
			return
		case req := <-m.priority:
			m.dispatch(ctx, req)
			continue
		default:
		}
		select {
		case <-m.quit:
			return
		case req := <-m.priority:
			m.dispatch(ctx, req)
		case req := <-m.normal:
			m.drainPriority(ctx)
			m.dispatch(ctx, req)
		}
	}
}

// drainPriority processes out-of-band events that are already waiting.
func (m *Machine[E]) drainPriority(ctx context.Context) {
	for {
		select {
		case req := <-m.priority:
			m.dispatch(ctx, req)
		default:
			return
		}
	}
}

// drain abandons everything still queued.
func (m *Machine[E]) drain() {
	for {
		select {
		case req := <-m.priority:
			req.abandon()
		case req := <-m.normal:
			req.abandon()
		default:
			return
		}
	}
}

func (m *Machine[E]) dispatch(ctx context.Context, req *Request) {
	if !req.begin() {
		m.observe(req.event, OutcomeCancelled)
		return
	}
	cur := m.current.Load()
	if cur.Kind() == KindEnd {
		m.observe(req.event, OutcomeCancelled)
		req.complete(OutcomeCancelled, nil, ErrStopped)
		return
	}

	tr, err := m.table.Resolve(m.env, req.event, cur)
	if err != nil {
		m.logger.Info("event not applicable",
			log.String("event", req.event.Kind()),
			log.String("state", cur.Name()),
			log.String("request", req.id),
		)
		m.observe(req.event, OutcomeNotApplicable)
		req.complete(OutcomeNotApplicable, nil, err)
		return
	}

	target := tr.target
	if target == nil {
		target = cur
	}
	transit := &Transit{
		name:    tr.name,
		event:   req.event,
		from:    cur,
		to:      target,
		request: req,
		poster:  m,
	}

	err = m.execute(ctx, tr, transit)
	outcome := classify(err)
	switch outcome {
	case OutcomeCommitted:
		m.commit(tr.name, cur, target, req.event)
	case OutcomeRollback:
		m.logger.Warn("transition rolled back",
			log.String("transition", tr.name),
			log.String("state", cur.Name()),
			log.Err(err),
		)
	case OutcomeNotApplicable:
	default:
		m.logger.Error("transition failed",
			log.String("transition", tr.name),
			log.String("state", cur.Name()),
			log.Err(err),
		)
		err = &FatalError{Transition: tr.name, From: cur.Name(), Cause: err}
		m.fail(ctx, cur, transit, err)
	}
	m.observe(req.event, outcome)
	if outcome == OutcomeCommitted {
		req.complete(outcome, transit.result, nil)
		return
	}
	req.complete(outcome, nil, err)
}

// execute runs exit actions, the transition action and entry actions, in
// that order. Internal transitions only run their action.
func (m *Machine[E]) execute(ctx context.Context, tr *Transition[E], transit *Transit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transition %s: %v", tr.name, r)
		}
	}()
	if tr.target == nil {
		if tr.action == nil {
			return nil
		}
		return tr.action(ctx, m.env, transit)
	}
	lca := commonAncestor(transit.from, tr.target)
	if err := m.table.runExit(ctx, m.env, transit.from, lca, transit); err != nil {
		return err
	}
	transit.exited = true
	if tr.action != nil {
		if err := tr.action(ctx, m.env, transit); err != nil {
			return err
		}
	}
	return m.table.runEntry(ctx, m.env, tr.target, lca, transit)
}

// fail forces the error state. Exit actions already run by the failed
// transition are not repeated. Failures of exit and entry actions on the
// forced path are logged and otherwise ignored.
func (m *Machine[E]) fail(ctx context.Context, from *State, transit *Transit, fatal error) {
	errState := m.table.errorState
	if errState == nil {
		m.logger.Error("no error state designated, state unchanged", log.String("state", from.Name()))
		return
	}
	forced := &Transit{
		name:    "FORCED-ERROR",
		event:   transit.event,
		from:    from,
		to:      errState,
		request: transit.request,
		poster:  m,
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic while forcing error state", log.Any("panic", r))
			}
		}()
		// pos is the innermost state still entered
		pos := from
		if transit.exited {
			pos = commonAncestor(from, transit.to)
		}
		var stop *State
		if pos != nil {
			stop = commonAncestor(pos, errState)
			if err := m.table.runExit(ctx, m.env, pos, stop, forced); err != nil {
				m.logger.Warn("exit action failed while forcing error state", log.Err(err))
			}
		}
		if err := m.table.runEntry(ctx, m.env, errState, stop, forced); err != nil {
			m.logger.Warn("entry action failed while forcing error state", log.Err(err))
		}
	}()
	m.commit(forced.name, from, errState, transit.event)
	if m.onFatal != nil {
		m.onFatal(ctx, m.env, from, transit.event, fatal)
	}
}

func (m *Machine[E]) commit(name string, from, to *State, ev Event) {
	m.current.Store(to)
	if from == to {
		return
	}
	m.logger.Info("state transition",
		log.String("transition", name),
		log.String("from", from.Name()),
		log.String("to", to.Name()),
		log.String("event", ev.Kind()),
	)
	for _, l := range m.listeners {
		l(from, to, ev)
	}
}

func (m *Machine[E]) observe(ev Event, outcome Outcome) {
	for _, o := range m.observers {
		o(ev, outcome)
	}
}

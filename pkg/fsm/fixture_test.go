package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type testEvent struct {
	kind    string
	oob     bool
	payload any
}

func (e testEvent) Kind() string    { return e.kind }
func (e testEvent) OutOfBand() bool { return e.oob }

func evt(kind string) testEvent    { return testEvent{kind: kind} }
func urgent(kind string) testEvent { return testEvent{kind: kind, oob: true} }

func withPayload(kind string, p any) testEvent {
	return testEvent{kind: kind, payload: p}
}

// testEnv records every action invocation.
type testEnv struct {
	mu      sync.Mutex
	trace   []string
	entered chan struct{}
	release chan struct{}
}

func newTestEnv() *testEnv {
	return &testEnv{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (e *testEnv) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trace = append(e.trace, s)
}

func (e *testEnv) Trace() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.trace...)
}

func recordAction(label string) Action[*testEnv] {
	return func(_ context.Context, env *testEnv, _ *Transit) error {
		env.record(label)
		return nil
	}
}

type testStates struct {
	start, idle, ready, failed, running, end *State
}

// buildTestTable builds:
//
//	START -> IDLE:READY <-> RUNNING, IDLE:FAILED (error state), END
func buildTestTable(t *testing.T) (*Table[*testEnv], testStates) {
	t.Helper()
	b := NewBuilder[*testEnv]()
	var s testStates
	s.start = b.State("START", nil, KindStart)
	s.idle = b.State("IDLE", nil, KindActive)
	s.ready = b.State("READY", s.idle, KindActive)
	s.failed = b.State("FAILED", s.idle, KindActive)
	s.running = b.State("RUNNING", nil, KindActive)
	s.end = b.State("END", nil, KindEnd)

	b.ErrorState(s.failed)
	b.OnExit(s.idle, recordAction("exit IDLE"))
	b.OnEntry(s.running, recordAction("enter RUNNING"))
	b.OnExit(s.running, recordAction("exit RUNNING"))
	b.OnEntry(s.failed, recordAction("enter FAILED"))

	b.Transition("BOOT", s.start, OnKind[*testEnv]("start"), nil, s.ready)
	b.Transition("RUN", s.ready, OnKind[*testEnv]("run"), recordAction("run"), s.running)
	b.Transition("PING", s.idle, OnKind[*testEnv]("ping"), recordAction("ping"), nil)
	b.Transition("HALT", s.running, OnKind[*testEnv]("halt"), recordAction("halt"), s.ready)
	b.Transition("REJECT", s.running, OnKind[*testEnv]("reject"),
		func(context.Context, *testEnv, *Transit) error {
			return Rollback("not now")
		}, s.ready)
	b.Transition("CRASH", s.running, OnKind[*testEnv]("crash"),
		func(_ context.Context, env *testEnv, _ *Transit) error {
			env.record("crash")
			return errors.New("boom")
		}, s.ready)
	b.Transition("PANIC", s.running, OnKind[*testEnv]("panic"),
		func(context.Context, *testEnv, *Transit) error {
			panic("kaboom")
		}, s.ready)
	b.Transition("ECHO", s.idle, OnKind[*testEnv]("echo"),
		func(_ context.Context, env *testEnv, tr *Transit) error {
			p := tr.Event().(testEvent).payload
			env.record("echo")
			tr.SetResult(p)
			return nil
		}, nil)
	b.Transition("CHAIN", s.idle, OnKind[*testEnv]("chain"),
		func(_ context.Context, _ *testEnv, tr *Transit) error {
			_, err := tr.Post(evt("ping"))
			return err
		}, nil)
	b.Transition("BLOCK", s.idle, OnKind[*testEnv]("block"),
		func(ctx context.Context, env *testEnv, _ *Transit) error {
			env.entered <- struct{}{}
			select {
			case <-env.release:
				return nil
			case <-ctx.Done():
				return Rollback("interrupted")
			}
		}, nil)
	b.Transition("RECOVER", s.failed, OnKind[*testEnv]("reset"), nil, s.ready)
	b.Transition("STOP", s.idle, OnKind[*testEnv]("stop"), nil, s.end)

	table, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return table, s
}

// startMachine builds, starts and boots a machine, stopping it at cleanup.
func startMachine(t *testing.T, opts ...Option[*testEnv]) (*Machine[*testEnv], *testEnv, testStates) {
	t.Helper()
	table, states := buildTestTable(t)
	env := newTestEnv()
	m := NewMachine(table, env, opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	if _, err := m.Do(context.Background(), evt("start")); err != nil {
		t.Fatalf("boot error = %v", err)
	}
	return m, env, states
}

func equalTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace = %v, want %v", got, want)
		}
	}
}

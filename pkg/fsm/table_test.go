package fsm

import (
	"errors"
	"testing"
)

func TestStateKind_String(t *testing.T) {
	tests := []struct {
		kind StateKind
		want string
	}{
		{KindActive, "active"},
		{KindStart, "start"},
		{KindEnd, "end"},
		{StateKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("StateKind(%d).String() = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestState_Hierarchy(t *testing.T) {
	table, s := buildTestTable(t)

	if got := s.ready.Name(); got != "IDLE:READY" {
		t.Errorf("Name() = %s, want IDLE:READY", got)
	}
	if got := s.ready.BaseName(); got != "IDLE" {
		t.Errorf("BaseName() = %s, want IDLE", got)
	}
	if !s.ready.Is("IDLE") || !s.ready.Is("IDLE:READY") {
		t.Error("IDLE:READY should match itself and its parent")
	}
	if s.ready.Is("RUNNING") || s.ready.Is("READY") {
		t.Error("IDLE:READY matched an unrelated name")
	}
	if s.idle.IsLeaf() || !s.ready.IsLeaf() {
		t.Error("IsLeaf() wrong for composite or leaf")
	}
	if got := len(s.idle.Children()); got != 2 {
		t.Errorf("len(Children()) = %d, want 2", got)
	}
	if got, ok := table.Lookup("IDLE:FAILED"); !ok || got != s.failed {
		t.Error("Lookup(IDLE:FAILED) did not return the registered state")
	}
	if _, ok := table.Lookup("FAILED"); ok {
		t.Error("Lookup must use qualified names")
	}
	if table.Start() != s.start || table.ErrorState() != s.failed {
		t.Error("start or error state not recorded")
	}
	if got := commonAncestor(s.ready, s.failed); got != s.idle {
		t.Errorf("commonAncestor = %v, want IDLE", got)
	}
	if got := commonAncestor(s.ready, s.running); got != nil {
		t.Errorf("commonAncestor = %v, want nil", got)
	}
}

func TestTable_ResolveWalksUpHierarchy(t *testing.T) {
	table, s := buildTestTable(t)
	env := newTestEnv()

	tr, err := table.Resolve(env, evt("ping"), s.ready)
	if err != nil {
		t.Fatalf("Resolve(ping) error = %v", err)
	}
	if tr.Name() != "PING" || tr.Source() != s.idle {
		t.Errorf("resolved %s from %s, want PING from IDLE", tr.Name(), tr.Source())
	}

	_, err = table.Resolve(env, evt("ping"), s.running)
	if !errors.Is(err, ErrNotApplicable) {
		t.Fatalf("Resolve(ping) in RUNNING error = %v, want ErrNotApplicable", err)
	}
	var na *NotApplicableError
	if !errors.As(err, &na) || na.State != "RUNNING" || na.Event != "ping" {
		t.Errorf("NotApplicableError = %+v", na)
	}
}

func TestTable_FirstMatchWins(t *testing.T) {
	type env struct{ strict bool }
	b := NewBuilder[env]()
	start := b.State("START", nil, KindStart)
	a := b.State("A", nil, KindActive)
	z := b.State("Z", nil, KindActive)
	b.Transition("STRICT", start, When[env]("go", func(e env, _ Event) bool { return e.strict }), nil, a)
	b.Transition("LENIENT", start, OnKind[env]("go"), nil, z)
	table, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		strict bool
		want   string
	}{
		{true, "STRICT"},
		{false, "LENIENT"},
	}
	for _, tt := range tests {
		tr, err := table.Resolve(env{strict: tt.strict}, evt("go"), start)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if tr.Name() != tt.want {
			t.Errorf("strict=%v: resolved %s, want %s", tt.strict, tr.Name(), tt.want)
		}
	}
}

type targetedEvent struct {
	testEvent
	match Predicate
}

func (e targetedEvent) Predicate() Predicate { return e.match }

func TestDynamicGuard(t *testing.T) {
	_, s := buildTestTable(t)
	g := Dynamic[*testEnv]("ext")
	onlyIdle := func(name string) bool { return name == "IDLE:READY" }

	tests := []struct {
		name  string
		ev    Event
		state *State
		want  bool
	}{
		{"matching predicate", targetedEvent{evt("ext"), onlyIdle}, s.ready, true},
		{"predicate rejects state", targetedEvent{evt("ext"), onlyIdle}, s.running, false},
		{"nil predicate", targetedEvent{evt("ext"), nil}, s.ready, false},
		{"other kind", targetedEvent{evt("other"), onlyIdle}, s.ready, false},
		{"untargeted event", evt("ext"), s.ready, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Accept(nil, tt.ev, tt.state); got != tt.want {
				t.Errorf("Accept() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder[int])
	}{
		{
			name: "no start state",
			build: func(b *Builder[int]) {
				b.State("A", nil, KindActive)
			},
		},
		{
			name: "two start states",
			build: func(b *Builder[int]) {
				b.State("A", nil, KindStart)
				b.State("B", nil, KindStart)
			},
		},
		{
			name: "duplicate state",
			build: func(b *Builder[int]) {
				b.State("A", nil, KindStart)
				b.State("A", nil, KindActive)
			},
		},
		{
			name: "duplicate transition name",
			build: func(b *Builder[int]) {
				s := b.State("S", nil, KindStart)
				a := b.State("A", nil, KindActive)
				b.Transition("GO", s, OnKind[int]("x"), nil, a)
				b.Transition("GO", s, OnKind[int]("y"), nil, a)
			},
		},
		{
			name: "ambiguous type guards",
			build: func(b *Builder[int]) {
				s := b.State("S", nil, KindStart)
				a := b.State("A", nil, KindActive)
				b.Transition("ONE", s, OnKind[int]("x"), nil, a)
				b.Transition("TWO", s, OnKind[int]("x"), nil, nil)
			},
		},
		{
			name: "composite target",
			build: func(b *Builder[int]) {
				s := b.State("S", nil, KindStart)
				p := b.State("P", nil, KindActive)
				b.State("C", p, KindActive)
				b.Transition("GO", s, OnKind[int]("x"), nil, p)
			},
		},
		{
			name: "leaving end state",
			build: func(b *Builder[int]) {
				s := b.State("S", nil, KindStart)
				e := b.State("E", nil, KindEnd)
				b.Transition("BACK", e, OnKind[int]("x"), nil, s)
			},
		},
		{
			name: "missing guard",
			build: func(b *Builder[int]) {
				s := b.State("S", nil, KindStart)
				b.Transition("GO", s, nil, nil, nil)
			},
		},
		{
			name: "composite error state",
			build: func(b *Builder[int]) {
				b.State("S", nil, KindStart)
				p := b.State("P", nil, KindActive)
				b.State("C", p, KindActive)
				b.ErrorState(p)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder[int]()
			tt.build(b)
			if _, err := b.Build(); !errors.Is(err, ErrInvalidTable) {
				t.Errorf("Build() error = %v, want ErrInvalidTable", err)
			}
		})
	}
}

func TestBuilder_TransitionEach(t *testing.T) {
	b := NewBuilder[int]()
	s := b.State("S", nil, KindStart)
	a := b.State("A", nil, KindActive)
	c := b.State("C", nil, KindActive)
	b.TransitionEach("RESET", []*State{a, c}, OnKind[int]("reset"), nil, s)
	table, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, src := range []*State{a, c} {
		trs := table.Transitions(src)
		if len(trs) != 1 || trs[0].Name() != "RESET@"+src.Name() {
			t.Errorf("transitions of %s = %v", src, trs)
		}
	}
}

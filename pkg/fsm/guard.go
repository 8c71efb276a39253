package fsm

// Guard decides whether a transition applies to an event in the current
// state. Guards must be free of side effects.
type Guard[E any] interface {
	Accept(env E, ev Event, current *State) bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc[E any] func(env E, ev Event, current *State) bool

// Accept calls f.
func (f GuardFunc[E]) Accept(env E, ev Event, current *State) bool { return f(env, ev, current) }

// KindGuard matches solely on the event kind.
type KindGuard[E any] string

// Accept reports whether ev is of kind g.
func (g KindGuard[E]) Accept(_ E, ev Event, _ *State) bool { return ev.Kind() == string(g) }

// OnKind returns a type guard for kind.
func OnKind[E any](kind string) Guard[E] { return KindGuard[E](kind) }

// When returns a guard matching events of kind that additionally satisfy
// cond. Configuration-dependent routing of a single event kind uses it.
func When[E any](kind string, cond func(env E, ev Event) bool) Guard[E] {
	return GuardFunc[E](func(env E, ev Event, _ *State) bool {
		return ev.Kind() == kind && cond(env, ev)
	})
}

// Always returns a guard that accepts every event.
func Always[E any]() Guard[E] {
	return GuardFunc[E](func(E, Event, *State) bool { return true })
}

// Dynamic returns a guard that accepts Targeted events of kind whose
// predicate matches the current state name.
func Dynamic[E any](kind string) Guard[E] {
	return GuardFunc[E](func(_ E, ev Event, current *State) bool {
		if ev.Kind() != kind {
			return false
		}
		t, ok := ev.(Targeted)
		if !ok {
			return false
		}
		p := t.Predicate()
		return p != nil && p(current.Name())
	})
}

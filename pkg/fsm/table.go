package fsm

import (
	"context"
	"fmt"
)

// Builder assembles a Table. States must be registered before the
// transitions that reference them. A Builder is not safe for concurrent use.
type Builder[E any] struct {
	states      []*State
	byName      map[string]*State
	transitions map[*State][]*Transition[E]
	names       map[string]bool
	entry       map[*State]Action[E]
	exit        map[*State]Action[E]
	errorState  *State
	errs        []error
}

// NewBuilder creates an empty Builder.
func NewBuilder[E any]() *Builder[E] {
	return &Builder[E]{
		byName:      make(map[string]*State),
		transitions: make(map[*State][]*Transition[E]),
		names:       make(map[string]bool),
		entry:       make(map[*State]Action[E]),
		exit:        make(map[*State]Action[E]),
	}
}

// State registers a state. Substates are named "<parent>:<name>".
func (b *Builder[E]) State(name string, parent *State, kind StateKind) *State {
	s := &State{name: qualify(parent, name), parent: parent, kind: kind}
	if parent != nil {
		s.depth = parent.depth + 1
		parent.children = append(parent.children, s)
	}
	if _, dup := b.byName[s.name]; dup {
		b.errs = append(b.errs, fmt.Errorf("%w: duplicate state %s", ErrInvalidTable, s.name))
		return s
	}
	b.byName[s.name] = s
	b.states = append(b.states, s)
	return s
}

// OnEntry sets the action run whenever s is entered.
func (b *Builder[E]) OnEntry(s *State, a Action[E]) *Builder[E] {
	b.entry[s] = a
	return b
}

// OnExit sets the action run whenever s is left.
func (b *Builder[E]) OnExit(s *State, a Action[E]) *Builder[E] {
	b.exit[s] = a
	return b
}

// ErrorState designates the state forced on fatal faults.
func (b *Builder[E]) ErrorState(s *State) *Builder[E] {
	b.errorState = s
	return b
}

// Transition registers a transition. Target nil makes it internal.
func (b *Builder[E]) Transition(name string, source *State, guard Guard[E], action Action[E], target *State) *Builder[E] {
	switch {
	case source == nil:
		b.errs = append(b.errs, fmt.Errorf("%w: transition %s has no source", ErrInvalidTable, name))
		return b
	case guard == nil:
		b.errs = append(b.errs, fmt.Errorf("%w: transition %s has no guard", ErrInvalidTable, name))
		return b
	case b.names[name]:
		b.errs = append(b.errs, fmt.Errorf("%w: duplicate transition %s", ErrInvalidTable, name))
		return b
	case source.kind == KindEnd:
		b.errs = append(b.errs, fmt.Errorf("%w: transition %s leaves end state %s", ErrInvalidTable, name, source.name))
		return b
	}
	if target != nil && !target.IsLeaf() {
		b.errs = append(b.errs, fmt.Errorf("%w: transition %s targets composite state %s", ErrInvalidTable, name, target.name))
		return b
	}
	if kg, ok := guard.(KindGuard[E]); ok {
		for _, other := range b.transitions[source] {
			if og, same := other.guard.(KindGuard[E]); same && og == kg {
				b.errs = append(b.errs, fmt.Errorf("%w: transitions %s and %s both match %s in %s",
					ErrInvalidTable, other.name, name, string(kg), source.name))
				return b
			}
		}
	}
	b.names[name] = true
	b.transitions[source] = append(b.transitions[source], &Transition[E]{
		name:   name,
		source: source,
		guard:  guard,
		action: action,
		target: target,
	})
	return b
}

// TransitionEach registers the same edge for several sources. Each copy is
// named "<name>@<source>".
func (b *Builder[E]) TransitionEach(name string, sources []*State, guard Guard[E], action Action[E], target *State) *Builder[E] {
	for _, s := range sources {
		b.Transition(name+"@"+s.Name(), s, guard, action, target)
	}
	return b
}

// Build validates the registrations and returns the immutable table.
func (b *Builder[E]) Build() (*Table[E], error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	var start *State
	for _, s := range b.states {
		if s.kind != KindStart {
			continue
		}
		if start != nil {
			return nil, fmt.Errorf("%w: more than one start state (%s, %s)", ErrInvalidTable, start.name, s.name)
		}
		start = s
	}
	if start == nil {
		return nil, fmt.Errorf("%w: no start state", ErrInvalidTable)
	}
	if !start.IsLeaf() {
		return nil, fmt.Errorf("%w: start state %s is composite", ErrInvalidTable, start.name)
	}
	if b.errorState != nil && !b.errorState.IsLeaf() {
		return nil, fmt.Errorf("%w: error state %s is composite", ErrInvalidTable, b.errorState.name)
	}
	return &Table[E]{
		start:       start,
		states:      b.states,
		byName:      b.byName,
		transitions: b.transitions,
		entry:       b.entry,
		exit:        b.exit,
		errorState:  b.errorState,
	}, nil
}

// Table is the immutable state/transition table.
type Table[E any] struct {
	start       *State
	states      []*State
	byName      map[string]*State
	transitions map[*State][]*Transition[E]
	entry       map[*State]Action[E]
	exit        map[*State]Action[E]
	errorState  *State
}

// Start returns the start state.
func (t *Table[E]) Start() *State { return t.start }

// ErrorState returns the designated error state, or nil.
func (t *Table[E]) ErrorState() *State { return t.errorState }

// Lookup returns the state with the given qualified name.
func (t *Table[E]) Lookup(name string) (*State, bool) {
	s, ok := t.byName[name]
	return s, ok
}

// States returns all states in registration order.
func (t *Table[E]) States() []*State {
	out := make([]*State, len(t.states))
	copy(out, t.states)
	return out
}

// Transitions returns the transitions registered against s.
func (t *Table[E]) Transitions(s *State) []*Transition[E] {
	src := t.transitions[s]
	out := make([]*Transition[E], len(src))
	copy(out, src)
	return out
}

// Resolve finds the transition for ev in leaf state current, walking up the
// hierarchy. It returns a *NotApplicableError when nothing matches.
func (t *Table[E]) Resolve(env E, ev Event, current *State) (*Transition[E], error) {
	for s := current; s != nil; s = s.parent {
		for _, tr := range t.transitions[s] {
			if tr.guard.Accept(env, ev, current) {
				return tr, nil
			}
		}
	}
	return nil, &NotApplicableError{State: current.Name(), Event: ev.Kind()}
}

// runExit runs exit actions from leaf up to, but excluding, stop.
func (t *Table[E]) runExit(ctx context.Context, env E, leaf, stop *State, tr *Transit) error {
	for s := leaf; s != nil && s != stop; s = s.parent {
		if a := t.exit[s]; a != nil {
			if err := a(ctx, env, tr); err != nil {
				return fmt.Errorf("exit %s: %w", s.name, err)
			}
		}
	}
	return nil
}

// runEntry runs entry actions from just below stop down to leaf.
func (t *Table[E]) runEntry(ctx context.Context, env E, leaf, stop *State, tr *Transit) error {
	path := leaf.path()
	begin := 0
	if stop != nil {
		begin = stop.depth + 1
	}
	for _, s := range path[begin:] {
		if a := t.entry[s]; a != nil {
			if err := a(ctx, env, tr); err != nil {
				return fmt.Errorf("enter %s: %w", s.name, err)
			}
		}
	}
	return nil
}

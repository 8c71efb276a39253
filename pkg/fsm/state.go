package fsm

import "strings"

// StateKind classifies a state's role in the machine.
type StateKind int

const (
	KindActive StateKind = iota
	KindStart
	KindEnd
)

// String returns a human-readable representation of the kind.
func (k StateKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindActive:
		return "active"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// State is a node of the state hierarchy. States are created by a Builder and
// never modified once the table is built.
type State struct {
	name     string
	parent   *State
	kind     StateKind
	depth    int
	children []*State
}

// Name returns the fully qualified state name, e.g. "OFFLINE:ERROR".
func (s *State) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// String implements fmt.Stringer.
func (s *State) String() string { return s.Name() }

// Parent returns the enclosing composite state, or nil for top-level states.
func (s *State) Parent() *State { return s.parent }

// Kind returns the state kind.
func (s *State) Kind() StateKind { return s.kind }

// IsLeaf reports whether the state has no substates.
func (s *State) IsLeaf() bool { return len(s.children) == 0 }

// Children returns the direct substates.
func (s *State) Children() []*State {
	out := make([]*State, len(s.children))
	copy(out, s.children)
	return out
}

// BaseName returns the name of the outermost ancestor ("OFFLINE" for
// "OFFLINE:ERROR"). Loose matching by wait operations uses it.
func (s *State) BaseName() string {
	top := s
	for top.parent != nil {
		top = top.parent
	}
	return top.name
}

// Is reports whether name designates this state or one of its ancestors.
func (s *State) Is(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == name {
			return true
		}
	}
	return false
}

// path returns the ancestry from the outermost state down to s.
func (s *State) path() []*State {
	out := make([]*State, s.depth+1)
	for cur := s; cur != nil; cur = cur.parent {
		out[cur.depth] = cur
	}
	return out
}

// commonAncestor returns the deepest state containing both a and b, or nil.
func commonAncestor(a, b *State) *State {
	for a != nil && b != nil && a.depth > b.depth {
		a = a.parent
	}
	for a != nil && b != nil && b.depth > a.depth {
		b = b.parent
	}
	for a != b {
		a, b = a.parent, b.parent
	}
	return a
}

// qualify joins a parent name and a local name with ':'.
func qualify(parent *State, local string) string {
	if parent == nil {
		return local
	}
	return strings.Join([]string{parent.name, local}, ":")
}

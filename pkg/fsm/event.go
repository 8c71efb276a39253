package fsm

// Event is anything submitted to a Machine. Kind identifies the command and is
// what type guards match on.
type Event interface {
	Kind() string
}

// OutOfBand is implemented by events that bypass the normal queue.
type OutOfBand interface {
	OutOfBand() bool
}

// Predicate matches a state name. Dynamic events carry one to restrict the
// states they may run in.
type Predicate func(stateName string) bool

// Targeted is implemented by events that carry their own state predicate.
type Targeted interface {
	Event
	Predicate() Predicate
}

func isOutOfBand(ev Event) bool {
	o, ok := ev.(OutOfBand)
	return ok && o.OutOfBand()
}

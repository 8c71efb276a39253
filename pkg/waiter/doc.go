// Package waiter lets callers block until the replicator reaches a state.
//
// A Broker receives every committed state change from the dispatcher through
// Publish, which never blocks. Waiters subscribe by name and match loosely:
// a wait for "OFFLINE" is satisfied by "OFFLINE:NORMAL" or "OFFLINE:ERROR".
// The number of simultaneous waiters is bounded by a semaphore so a flood of
// callers cannot pile up unbounded goroutines.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package waiter

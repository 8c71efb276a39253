// Package fsm provides the hierarchical state machine that drives the
// replicator lifecycle.
//
// A [Table] is assembled once through a [Builder]: states are registered
// first (composite states own substates through their parent link), then
// transitions keyed by source state and [Guard]. The table is immutable after
// [Builder.Build] and safe to share between goroutines.
//
// A [Machine] owns a table and a single dispatcher goroutine. Events are
// submitted from any goroutine and processed strictly one at a time:
//
//	m := fsm.NewMachine(table, env, fsm.WithLogger(logger))
//	m.Start(ctx)
//	res, err := m.Do(ctx, startEvent)
//
// Events that report [OutOfBand] are processed before any queued normal
// event but never interrupt the action in progress.
//
// # Resolution
//
// For an event arriving in leaf state S, transitions registered against S are
// tested in registration order, then those of S's parent, up to the outermost
// composite state. The first matching guard wins. No match yields
// [ErrNotApplicable] and leaves the state unchanged.
//
// # Faults
//
// Actions return nil, a [*RollbackError] (state restored, caller receives the
// reason) or any other error, which is treated as fatal: the machine forces
// the designated error state and hands the failure to the [FatalHandler].
// Side effects committed by an action before it failed are not undone.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package fsm

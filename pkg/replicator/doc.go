// Package replicator provides the lifecycle controller of a replication
// service.
//
// The controller drives a [plugin.Plugin] through a hierarchical state
// machine: START, OFFLINE, GOING-ONLINE, ONLINE, GOING-OFFLINE and END, with
// substates such as OFFLINE:ERROR or ONLINE:DEFERRED-OFFLINE. Every
// management operation becomes an event processed by a single dispatcher
// goroutine, so no two lifecycle actions ever run at the same time.
//
// # Basic Usage
//
//	ctrl, err := replicator.New(myPlugin, replicator.DefaultConfig(),
//	    replicator.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := ctrl.Start(ctx, false); err != nil {
//	    return err
//	}
//	defer ctrl.Stop(context.Background())
//
//	if err := ctrl.Online(ctx, nil); err != nil {
//	    return err
//	}
//	ok, err := ctrl.WaitForState(ctx, "ONLINE", 30*time.Second)
//
// # Faults
//
// Operations return a *[Error]. Its cause is one of:
//
//   - [fsm.ErrNotApplicable]: the operation is not valid in the current
//     state; nothing changed.
//   - *[fsm.RollbackError]: a precondition failed, e.g. flushing while not
//     in the master role; the state is unchanged.
//   - *[fsm.FatalError]: the action failed; the controller moved to
//     OFFLINE:ERROR, recorded [Diagnostics] and evaluated auto-recovery.
//
// # Auto-Recovery
//
// When an error interrupts the ONLINE or GOING-ONLINE:SYNCHRONIZING states
// and AutoRecoveryMaxAttempts is positive, the controller schedules a retry.
// The retry sleeps AutoRecoveryDelay on the dispatcher before going online
// again, so no other event is processed meanwhile. The attempt counter resets
// after AutoRecoveryResetInterval of continuous online time.
//
// # Extended Actions
//
// [Controller.ExtendedAction] runs caller supplied code on the dispatcher in
// states matching a pattern. Such code is trusted: it may call the plugin
// freely and nothing stops it from starting concurrent work.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package replicator

// Package recovery implements the auto-recovery policy of the replicator.
//
// When an error forces the replicator offline while it was online or
// synchronizing, the policy decides whether a retry-to-online should be
// scheduled. Attempts are bounded by MaxAttempts; the attempt counter resets
// once the replicator has stayed online longer than ResetInterval. A
// lifetime total is kept for observability and never resets.
//
// The policy has a single writer (the dispatcher goroutine) and any number of
// readers: every mutation publishes a fresh immutable [Snapshot].
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package recovery

// Package plugin defines the contract between the lifecycle controller and
// the replication engine it drives.
//
// The controller makes lifecycle calls only from its dispatcher goroutine, so
// implementations never see two of them at once. Status, Capabilities and
// WaitForAppliedEvent are called directly by management callers and must be
// safe for concurrent use. Long running work
// (backup, restore) is reported through a Future; asynchronous conditions
// (sync reached, replication error) are reported back through the Signaler
// handed to plugins implementing SignalAware.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package plugin

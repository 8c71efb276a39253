package replicator

import (
	"context"
	"time"

	"github.com/bft-labs/replicator/pkg/fsm"
	"github.com/bft-labs/replicator/pkg/plugin"
)

// Event kinds understood by the lifecycle table.
const (
	KindStart             = "start"
	KindConfigure         = "configure"
	KindConfigured        = "configured"
	KindGoOnline          = "go-online"
	KindSynced            = "synced"
	KindGoOffline         = "go-offline"
	KindDeferredOffline   = "deferred-offline"
	KindOfflineReached    = "offline-reached"
	KindSetRole           = "set-role"
	KindClearDynamic      = "clear-dynamic"
	KindHeartbeat         = "heartbeat"
	KindFlush             = "flush"
	KindPurge             = "purge"
	KindBackup            = "backup"
	KindBackupComplete    = "backup-complete"
	KindRestore           = "restore"
	KindRestoreComplete   = "restore-complete"
	KindProvision         = "provision"
	KindProvisionComplete = "provision-complete"
	KindConsistency       = "consistency-failed"
	KindError             = "error"
	KindDwellCheck        = "dwell-check"
	KindStop              = "stop"
	KindExtended          = "extended"
)

// notice is an event without parameters.
type notice string

func (n notice) Kind() string { return string(n) }

type startEvent struct {
	forceOffline bool
}

func (startEvent) Kind() string { return KindStart }

// configureEvent carries new properties; nil reloads the property store.
type configureEvent struct {
	props plugin.Properties
}

func (configureEvent) Kind() string { return KindConfigure }

type goOnlineEvent struct {
	params plugin.Params
	auto   bool
}

func (goOnlineEvent) Kind() string { return KindGoOnline }

func isAutoRecovery(ev fsm.Event) bool {
	g, ok := ev.(goOnlineEvent)
	return ok && g.auto
}

// paramsEvent carries control parameters for offline, deferred offline,
// heartbeat and purge.
type paramsEvent struct {
	kind   string
	params plugin.Params
}

func (e paramsEvent) Kind() string { return e.kind }

type setRoleEvent struct {
	role plugin.Role
	uri  string
}

func (setRoleEvent) Kind() string { return KindSetRole }

type flushEvent struct {
	timeout time.Duration
}

func (flushEvent) Kind() string { return KindFlush }

type backupEvent struct {
	agent   string
	storage string
}

func (backupEvent) Kind() string { return KindBackup }

type restoreEvent struct {
	uri string
}

func (restoreEvent) Kind() string { return KindRestore }

type provisionEvent struct {
	uri string
}

func (provisionEvent) Kind() string { return KindProvision }

// completionEvent reports the end of a backup or restore.
type completionEvent struct {
	kind string
	uri  string
	err  error
}

func (e completionEvent) Kind() string { return e.kind }

// errorEvent reports a replication failure. It is processed ahead of queued
// normal events.
type errorEvent struct {
	message string
	cause   error
}

func (errorEvent) Kind() string    { return KindError }
func (errorEvent) OutOfBand() bool { return true }

// consistencyEvent reports a failed consistency check. Routing depends on
// the ConsistencyStop setting.
type consistencyEvent struct {
	message string
}

func (consistencyEvent) Kind() string { return KindConsistency }

// errorDetails extracts the message and cause of error-like events.
func errorDetails(ev fsm.Event) (string, error) {
	switch e := ev.(type) {
	case errorEvent:
		return e.message, e.cause
	case consistencyEvent:
		return "consistency check failed: " + e.message, nil
	default:
		return ev.Kind(), nil
	}
}

// ExtendedFunc is an action injected at runtime through ExtendedAction. It
// runs on the dispatcher like any other action and must not start work that
// outlives it.
type ExtendedFunc func(ctx context.Context, p plugin.Plugin) (any, error)

type extendedEvent struct {
	match fsm.Predicate
	fn    ExtendedFunc
}

func (extendedEvent) Kind() string               { return KindExtended }
func (e extendedEvent) Predicate() fsm.Predicate { return e.match }

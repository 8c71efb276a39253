package replicator

import (
	"github.com/bft-labs/replicator/pkg/fsm"
)

// Qualified state names.
const (
	StateStart              = "START"
	StateOffline            = "OFFLINE"
	StateOfflineNormal      = "OFFLINE:NORMAL"
	StateOfflineConfiguring = "OFFLINE:CONFIGURING"
	StateOfflineError       = "OFFLINE:ERROR"
	StateOfflineBackup      = "OFFLINE:BACKUP"
	StateOfflineRestoring   = "OFFLINE:RESTORING"
	StateGoingOnline        = "GOING-ONLINE"
	StateSynchronizing      = "GOING-ONLINE:SYNCHRONIZING"
	StateProvisioning       = "GOING-ONLINE:PROVISIONING"
	StateOnline             = "ONLINE"
	StateOnlineNormal       = "ONLINE:NORMAL"
	StateOnlineDeferred     = "ONLINE:DEFERRED-OFFLINE"
	StateGoingOffline       = "GOING-OFFLINE"
	StateEnd                = "END"
)

type guard = fsm.Guard[*Controller]

func on(kind string) guard { return fsm.OnKind[*Controller](kind) }

var (
	manualOnline = fsm.When[*Controller](KindGoOnline, func(_ *Controller, ev fsm.Event) bool {
		return !isAutoRecovery(ev)
	})
	autoOnline = fsm.When[*Controller](KindGoOnline, func(_ *Controller, ev fsm.Event) bool {
		return isAutoRecovery(ev)
	})
	consistencyStop = fsm.When[*Controller](KindConsistency, func(c *Controller, _ fsm.Event) bool {
		return c.Config().ConsistencyStop
	})
	consistencyWarn = fsm.When[*Controller](KindConsistency, func(c *Controller, _ fsm.Event) bool {
		return !c.Config().ConsistencyStop
	})
)

// buildTable declares the lifecycle states and transitions. Within one
// source state the first registered matching transition wins.
func buildTable() (*fsm.Table[*Controller], error) {
	b := fsm.NewBuilder[*Controller]()

	start := b.State("START", nil, fsm.KindStart)

	offline := b.State("OFFLINE", nil, fsm.KindActive)
	offNormal := b.State("NORMAL", offline, fsm.KindActive)
	offConfiguring := b.State("CONFIGURING", offline, fsm.KindActive)
	offError := b.State("ERROR", offline, fsm.KindActive)
	offBackup := b.State("BACKUP", offline, fsm.KindActive)
	offRestoring := b.State("RESTORING", offline, fsm.KindActive)

	goingOnline := b.State("GOING-ONLINE", nil, fsm.KindActive)
	synchronizing := b.State("SYNCHRONIZING", goingOnline, fsm.KindActive)
	provisioning := b.State("PROVISIONING", goingOnline, fsm.KindActive)

	online := b.State("ONLINE", nil, fsm.KindActive)
	onNormal := b.State("NORMAL", online, fsm.KindActive)
	onDeferred := b.State("DEFERRED-OFFLINE", online, fsm.KindActive)

	goingOffline := b.State("GOING-OFFLINE", nil, fsm.KindActive)
	end := b.State("END", nil, fsm.KindEnd)

	b.ErrorState(offError)
	b.OnEntry(offError, enterError)
	b.OnEntry(online, enterOnline)
	b.OnExit(online, exitOnline)

	b.Transition("START", start, on(KindStart), actStart, offNormal)
	b.Transition("START-ERROR", start, on(KindError), actRecordError, offError)

	b.TransitionEach("CONFIGURE", []*fsm.State{offNormal, offError}, on(KindConfigure), actConfigure, offConfiguring)
	b.Transition("CONFIGURED", offConfiguring, on(KindConfigured), actConfigured, offNormal)

	b.TransitionEach("ONLINE", []*fsm.State{offNormal, offError}, manualOnline, actGoOnline, synchronizing)
	b.Transition("AUTO-RECOVER", offError, autoOnline, actAutoRecover, synchronizing)
	b.Transition("SYNCED", synchronizing, on(KindSynced), nil, onNormal)

	b.TransitionEach("OFFLINE-FROM-OFFLINE", []*fsm.State{offNormal, offError}, on(KindGoOffline), actClearOffline, offNormal)
	b.TransitionEach("GO-OFFLINE", []*fsm.State{goingOnline, online}, on(KindGoOffline), actGoOffline, goingOffline)
	b.Transition("DEFERRED-OFFLINE", onNormal, on(KindDeferredOffline), actDeferredOffline, onDeferred)
	b.Transition("ONLINE-OFFLINE-REACHED", online, on(KindOfflineReached), actClearOffline, offNormal)

	b.Transition("SET-ROLE", offNormal, on(KindSetRole), actSetRole, nil)
	b.Transition("CLEAR-DYNAMIC", offNormal, on(KindClearDynamic), actClearDynamic, nil)
	b.Transition("HEARTBEAT", online, on(KindHeartbeat), actHeartbeat, nil)
	b.Transition("FLUSH", online, on(KindFlush), actFlush, nil)
	b.TransitionEach("PURGE", []*fsm.State{offline, online}, on(KindPurge), actPurge, nil)

	b.Transition("BACKUP", offNormal, on(KindBackup), actBackup, offBackup)
	b.Transition("BACKUP-DONE", offBackup, on(KindBackupComplete), actCompletion, offNormal)
	b.Transition("RESTORE", offNormal, on(KindRestore), actRestore, offRestoring)
	b.Transition("RESTORE-DONE", offRestoring, on(KindRestoreComplete), actCompletion, offNormal)
	b.Transition("PROVISION", offNormal, on(KindProvision), actProvision, provisioning)
	b.Transition("PROVISIONED", provisioning, on(KindProvisionComplete), actProvisioned, offNormal)

	b.Transition("CONSISTENCY-STOP", online, consistencyStop, actRecordError, offError)
	b.Transition("CONSISTENCY-WARN", online, consistencyWarn, actConsistencyWarn, nil)

	b.TransitionEach("ERROR", []*fsm.State{offline, goingOnline, online}, on(KindError), actError, offError)
	b.Transition("DWELL-CHECK", online, on(KindDwellCheck), actDwellCheck, nil)
	b.TransitionEach("STOP", []*fsm.State{offline, goingOnline, online}, on(KindStop), actStop, end)

	b.TransitionEach("EXTENDED", []*fsm.State{start, offline, goingOnline, online, goingOffline},
		fsm.Dynamic[*Controller](KindExtended), actExtended, nil)

	// GOING-OFFLINE leaves on any event; the error and stop transitions are
	// registered first so they still take precedence.
	b.Transition("GOING-OFFLINE-ERROR", goingOffline, on(KindError), actError, offError)
	b.Transition("STOP@GOING-OFFLINE", goingOffline, on(KindStop), actStop, end)
	b.Transition("OFFLINE-REACHED", goingOffline, fsm.Always[*Controller](), actClearOffline, offNormal)

	return b.Build()
}

package replicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/replicator/pkg/fsm"
	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/waiter"
	"github.com/bft-labs/replicator/plugins/dummy"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testConfig())
	require.Error(t, err)

	cfg := testConfig()
	cfg.AutoRecoveryMaxAttempts = -1
	_, err = New(dummy.New(), cfg)
	require.Error(t, err)
}

func TestController_InitialState(t *testing.T) {
	c, err := New(dummy.New(), testConfig())
	require.NoError(t, err)

	require.Equal(t, StateStart, c.State())
	require.False(t, c.Running())
	require.ErrorIs(t, c.Online(context.Background(), nil), ErrNotRunning)
	require.ErrorIs(t, c.Stop(context.Background()), ErrNotRunning)
}

func TestController_StartReachesOfflineNormal(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)

	require.Equal(t, StateOfflineNormal, c.State())
	require.Contains(t, p.Calls(), dummy.OpConfigure)
	require.ErrorIs(t, c.Start(context.Background(), false), ErrAlreadyRunning)
}

func TestController_AutoEnable(t *testing.T) {
	tests := []struct {
		name         string
		forceOffline bool
		want         string
	}{
		{"goes online", false, StateOnlineNormal},
		{"force offline wins", true, StateOfflineNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AutoEnable = true
			c, err := New(dummy.New(), cfg)
			require.NoError(t, err)
			require.NoError(t, c.Start(context.Background(), tt.forceOffline))
			defer c.Stop(context.Background())

			// a no-op event orders the check after anything start queued
			_, _ = c.ExtendedAction(context.Background(), ".*", func(context.Context, plugin.Plugin) (any, error) {
				return nil, nil
			})
			requireState(t, c, tt.want)
		})
	}
}

func TestController_OnlineThroughSynchronizing(t *testing.T) {
	p := dummy.New(dummy.WithAutoSync(false))
	c := startController(t, testConfig(), p)
	ctx := context.Background()

	require.NoError(t, c.Online(ctx, plugin.Params{}))
	require.Equal(t, StateSynchronizing, c.State())

	require.NoError(t, c.Signal(plugin.SignalSynced, ""))
	ok, err := c.WaitForState(ctx, StateOnline, eventually)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateOnlineNormal, c.State())
}

func TestController_ErrorFromOnline(t *testing.T) {
	var log transitionLog
	c := startController(t, testConfig(), nil, WithStateChangeListener(log.listen))
	goOnline(t, c)

	require.NoError(t, c.Signal(plugin.SignalError, "disk full"))
	requireState(t, c, StateOfflineError)

	d := c.Diagnostics()
	require.Equal(t, "disk full", d.PendingError)
	require.True(t, d.HasError())
	require.Equal(t, 1, log.Count(StateOfflineError))
	require.Zero(t, c.Recovery().Total, "auto-recovery is disabled")
}

func TestController_ErrorInErrorStateSchedulesNoRetry(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecoveryMaxAttempts = 0
	c := startController(t, cfg, nil)
	goOnline(t, c)

	require.NoError(t, c.Signal(plugin.SignalError, "first"))
	requireState(t, c, StateOfflineError)
	require.NoError(t, c.Signal(plugin.SignalError, "second"))

	require.Eventually(t, func() bool { return c.Diagnostics().PendingError == "second" },
		eventually, 5*time.Millisecond)
	require.Equal(t, StateOfflineError, c.State())
	require.Zero(t, c.Recovery().Total)
}

func TestController_AutoRecoveryBoundedByMaxAttempts(t *testing.T) {
	const maxAttempts = 2
	cfg := testConfig()
	cfg.AutoRecoveryMaxAttempts = maxAttempts
	var log transitionLog
	c := startController(t, cfg, nil, WithStateChangeListener(log.listen))
	goOnline(t, c)

	for i := 1; i <= maxAttempts; i++ {
		require.NoError(t, c.Signal(plugin.SignalError, "replication failed"))
		require.Eventually(t, func() bool {
			return c.Recovery().Total == int64(i) && c.State() == StateOnlineNormal
		}, eventually, 5*time.Millisecond, "retry %d not processed, state %s", i, c.State())
	}

	require.NoError(t, c.Signal(plugin.SignalError, "replication failed"))
	requireState(t, c, StateOfflineError)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateOfflineError, c.State())
	require.Equal(t, int64(maxAttempts), c.Recovery().Total)
	require.Equal(t, maxAttempts, c.Recovery().Attempts)
	require.Equal(t, maxAttempts+1, log.Count(StateOfflineError))
}

func TestController_AutoRecoveryIgnoresOfflineErrors(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecoveryMaxAttempts = 3
	c := startController(t, cfg, nil)

	require.NoError(t, c.Signal(plugin.SignalError, "offline failure"))
	requireState(t, c, StateOfflineError)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateOfflineError, c.State())
	require.Zero(t, c.Recovery().Total)
}

func TestController_AutoRecoveryCounterResetsAfterDwell(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.AutoRecoveryMaxAttempts = 1
	cfg.AutoRecoveryResetInterval = 20 * time.Millisecond
	c := startController(t, cfg, nil, WithClock(clk))
	goOnline(t, c)

	require.NoError(t, c.Signal(plugin.SignalError, "blip"))
	require.Eventually(t, func() bool {
		return c.Recovery().Attempts == 1 && c.State() == StateOnlineNormal
	}, eventually, 5*time.Millisecond)

	// the dwell check fires on real time; the dwell is measured on the fake
	// clock, so nothing resets until it moves
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, c.Recovery().Attempts)

	clk.Advance(time.Hour)
	require.NoError(t, c.Signal(plugin.SignalError, "blip"))
	require.Eventually(t, func() bool {
		r := c.Recovery()
		return r.Total == 2 && c.State() == StateOnlineNormal
	}, eventually, 5*time.Millisecond, "error after dwell should be retried")
}

func TestController_FlushRequiresMaster(t *testing.T) {
	cfg := testConfig()
	cfg.Role = plugin.RoleSlave
	c := startController(t, cfg, nil)
	goOnline(t, c)

	_, err := c.Flush(context.Background(), time.Second)
	var rb *fsm.RollbackError
	require.ErrorAs(t, err, &rb)
	require.Equal(t, "Flush operation is only allowed when in master role", rb.Reason)
	require.Equal(t, StateOnlineNormal, c.State())

	_, err = c.Heartbeat(context.Background(), nil)
	require.ErrorAs(t, err, &rb)
}

func TestController_FlushAndHeartbeatAsMaster(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)
	goOnline(t, c)
	ctx := context.Background()

	ok, err := c.Heartbeat(ctx, plugin.Params{"name": "check"})
	require.NoError(t, err)
	require.True(t, ok)

	pos, err := c.Flush(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "1", pos)

	applied, err := c.WaitForAppliedSequenceNumber(ctx, pos, time.Second)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestController_NotApplicable(t *testing.T) {
	c := startController(t, testConfig(), nil)

	_, err := c.Flush(context.Background(), time.Second)
	require.ErrorIs(t, err, fsm.ErrNotApplicable)
	require.Equal(t, StateOfflineNormal, c.State())

	var opErr *Error
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "flush", opErr.Op)
}

func TestController_WaitForUnknownState(t *testing.T) {
	c := startController(t, testConfig(), nil)

	start := time.Now()
	ok, err := c.WaitForState(context.Background(), "BOGUS", 5*time.Second)
	require.False(t, ok)
	require.ErrorIs(t, err, waiter.ErrUnknownState)
	require.Less(t, time.Since(start), time.Second)
}

func TestController_WaitForStateTimeout(t *testing.T) {
	c := startController(t, testConfig(), nil)

	ok, err := c.WaitForState(context.Background(), StateOnline, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestController_WaitForStateConcurrentTransition(t *testing.T) {
	c := startController(t, testConfig(), nil)

	var wg sync.WaitGroup
	results := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.WaitForState(context.Background(), StateOnline, eventually)
			results <- ok && err == nil
		}()
	}
	require.NoError(t, c.Online(context.Background(), nil))
	wg.Wait()
	close(results)
	for ok := range results {
		require.True(t, ok)
	}
}

func TestController_OfflineOnlineRoundTrip(t *testing.T) {
	c := startController(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, c.Signal(plugin.SignalError, "stale"))
	requireState(t, c, StateOfflineError)

	require.NoError(t, c.Offline(ctx, nil))
	require.Equal(t, StateOfflineNormal, c.State())
	goOnline(t, c)
	require.NoError(t, c.Offline(ctx, nil))

	ok, err := c.WaitForState(ctx, StateOfflineNormal, eventually)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, c.Diagnostics().HasError())
}

func TestController_OfflineAfterAutoRecoveryClearsDiagnostics(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecoveryMaxAttempts = 1
	c := startController(t, cfg, nil)
	ctx := context.Background()
	goOnline(t, c)

	require.NoError(t, c.Signal(plugin.SignalError, "disk full"))
	require.Eventually(t, func() bool {
		return c.Recovery().Total == 1 && c.State() == StateOnlineNormal
	}, eventually, 5*time.Millisecond, "state %s", c.State())
	require.Equal(t, "disk full", c.Diagnostics().PendingError, "auto-recovery keeps the record")

	require.NoError(t, c.Offline(ctx, nil))
	ok, err := c.WaitForState(ctx, StateOfflineNormal, eventually)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, c.Diagnostics().PendingError)

	goOnline(t, c)
	require.NoError(t, c.Offline(ctx, nil))
	requireState(t, c, StateOfflineNormal)
	require.False(t, c.Diagnostics().HasError())
}

func TestController_DeferredOffline(t *testing.T) {
	c := startController(t, testConfig(), nil)
	goOnline(t, c)

	require.NoError(t, c.OfflineDeferred(context.Background(), nil))
	requireState(t, c, StateOfflineNormal)
}

func TestController_ManualOnlineFromErrorClearsDiagnostics(t *testing.T) {
	c := startController(t, testConfig(), nil)

	require.NoError(t, c.Signal(plugin.SignalError, "boom"))
	requireState(t, c, StateOfflineError)
	goOnline(t, c)
	require.False(t, c.Diagnostics().HasError())
}

func TestController_FatalActionRecordsDiagnostics(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)
	p.SetFailure(dummy.OpOnline, &plugin.ApplyError{
		Seqno:   42,
		EventID: "mysql-bin.000002:0000000000001234",
		Err:     errors.New("duplicate key"),
	})

	err := c.Online(context.Background(), nil)
	var fe *fsm.FatalError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, StateOfflineError, c.State())

	d := c.Diagnostics()
	require.Equal(t, int64(42), d.PendingErrorSeqno)
	require.Equal(t, "mysql-bin.000002:0000000000001234", d.PendingErrorEventID)
	require.Equal(t, "duplicate key", d.PendingExceptionMessage)
	require.Contains(t, p.Calls(), dummy.OpOffline, "entering the error state puts the plugin offline")
}

func TestController_ErrorStateCleanupFailureIsSwallowed(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)
	goOnline(t, c)
	p.SetFailure(dummy.OpOffline, errors.New("already offline"))

	require.NoError(t, c.Signal(plugin.SignalError, "boom"))
	requireState(t, c, StateOfflineError)
	require.Equal(t, "boom", c.Diagnostics().PendingError)
}

func TestController_ConsistencyRouting(t *testing.T) {
	tests := []struct {
		name string
		stop bool
		want string
	}{
		{"stop", true, StateOfflineError},
		{"warn", false, StateOnlineNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ConsistencyStop = tt.stop
			c := startController(t, cfg, nil)
			goOnline(t, c)

			require.NoError(t, c.Signal(plugin.SignalConsistency, "checksum mismatch"))
			// a no-op event orders the check after the signal
			_, err := c.ExtendedAction(context.Background(), ".*", func(context.Context, plugin.Plugin) (any, error) {
				return nil, nil
			})
			require.NoError(t, err)
			require.Equal(t, tt.want, c.State())
		})
	}
}

func TestController_Backup(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)

	uri, err := c.Backup(context.Background(), "xtrabackup", "file", time.Second)
	require.NoError(t, err)
	require.Equal(t, "file://xtrabackup/backup-1", uri)
	requireState(t, c, StateOfflineNormal)

	p.SetFailure(dummy.OpBackup, errors.New("disk full"))
	_, err = c.Backup(context.Background(), "xtrabackup", "file", time.Second)
	require.Error(t, err)
	requireState(t, c, StateOfflineError)
	require.Contains(t, c.Diagnostics().PendingError, "disk full")
}

func TestController_CapabilityChecks(t *testing.T) {
	p := dummy.New(dummy.WithCapabilities(plugin.Capabilities{Roles: []plugin.Role{plugin.RoleMaster}}))
	c := startController(t, testConfig(), p)
	ctx := context.Background()

	var rb *fsm.RollbackError
	_, err := c.Backup(ctx, "a", "file", time.Second)
	require.ErrorAs(t, err, &rb)
	_, err = c.Restore(ctx, "file:///b", time.Second)
	require.ErrorAs(t, err, &rb)
	_, err = c.Provision(ctx, "file:///p", time.Second)
	require.ErrorAs(t, err, &rb)
	require.ErrorAs(t, c.SetRole(ctx, plugin.RoleSlave, "thl://m"), &rb)
	require.ErrorIs(t, err, ErrNotSupported)
	require.Equal(t, StateOfflineNormal, c.State())
}

func TestController_Restore(t *testing.T) {
	c := startController(t, testConfig(), nil)

	uri, err := c.Restore(context.Background(), "file:///backups/7", time.Second)
	require.NoError(t, err)
	require.Equal(t, "file:///backups/7", uri)
	requireState(t, c, StateOfflineNormal)
}

func TestController_Provision(t *testing.T) {
	tests := []struct {
		name       string
		autoOnline bool
		want       string
	}{
		{"stays offline", false, StateOfflineNormal},
		{"auto online", true, StateOnlineNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AutoOnlineAfterProvision = tt.autoOnline
			c := startController(t, cfg, nil)

			ok, err := c.Provision(context.Background(), "file:///snapshot", time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			requireState(t, c, tt.want)
		})
	}
}

func TestController_SetRoleAndClearDynamic(t *testing.T) {
	store := NewMemoryStore(nil)
	c := startController(t, testConfig(), nil, WithPropertyStore(store))
	ctx := context.Background()

	require.NoError(t, c.SetRole(ctx, plugin.RoleSlave, "thl://master:2112"))
	require.Equal(t, plugin.RoleSlave, c.Role())
	props, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "slave", props[PropRole])

	require.NoError(t, c.ClearDynamicProperties(ctx))
	props, err = store.Load()
	require.NoError(t, err)
	require.NotContains(t, props, PropRole)

	goOnline(t, c)
	require.ErrorIs(t, c.SetRole(ctx, plugin.RoleMaster, ""), fsm.ErrNotApplicable)
}

func TestController_ConfigureReloadsProperties(t *testing.T) {
	store := NewMemoryStore(nil)
	c := startController(t, testConfig(), nil, WithPropertyStore(store))
	ctx := context.Background()

	require.NoError(t, c.Signal(plugin.SignalError, "old"))
	requireState(t, c, StateOfflineError)

	store.Set(PropRecoveryMaxAttempts, "3")
	store.Set(PropServiceName, "alpha")
	require.NoError(t, c.Configure(ctx, nil))

	ok, err := c.WaitForState(ctx, StateOfflineNormal, eventually)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, c.Config().AutoRecoveryMaxAttempts)
	require.Equal(t, "alpha", c.Config().ServiceName)
	require.False(t, c.Diagnostics().HasError(), "successful configuration clears diagnostics")
}

func TestController_ConfigureWithInvalidProperties(t *testing.T) {
	c := startController(t, testConfig(), nil)

	err := c.Configure(context.Background(), plugin.Properties{PropRecoveryDelay: "soon"})
	var fe *fsm.FatalError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, StateOfflineError, c.State())
}

func TestController_ExtendedAction(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)
	ctx := context.Background()

	res, err := c.ExtendedAction(ctx, "OFFLINE:.*", func(ctx context.Context, pl plugin.Plugin) (any, error) {
		st, err := pl.Status(ctx)
		return st["plugin"], err
	})
	require.NoError(t, err)
	require.Equal(t, "dummy", res)

	_, err = c.ExtendedAction(ctx, "ONLINE", func(context.Context, plugin.Plugin) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, fsm.ErrNotApplicable)

	_, err = c.ExtendedAction(ctx, "(", nil)
	require.ErrorIs(t, err, ErrInvalidPattern)
}

func TestController_WaitForAppliedRequiresOnline(t *testing.T) {
	c := startController(t, testConfig(), nil)

	_, err := c.WaitForAppliedSequenceNumber(context.Background(), "1", time.Second)
	require.ErrorIs(t, err, ErrNotOnline)
}

func TestController_Status(t *testing.T) {
	cfg := testConfig()
	cfg.ServiceName = "east"
	c := startController(t, cfg, nil)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	for _, key := range []string{
		"state", "role", "serviceName", "pendingError", "pendingExceptionMessage",
		"pendingErrorSeqno", "pendingErrorEventId", "timeInStateSeconds", "uptimeSeconds",
		"autoRecoveryEnabled", "autoRecoveryTotal", "autoRecoveryAttempts", "lastStateChange",
	} {
		require.Contains(t, st, key)
	}
	require.Equal(t, StateOfflineNormal, st["state"])
	require.Equal(t, "east", st["serviceName"])
	require.Equal(t, "-1", st["pendingErrorSeqno"])
	require.Equal(t, "dummy", st["plugin"], "plugin status is merged")
}

func TestController_SignalUnknown(t *testing.T) {
	c := startController(t, testConfig(), nil)
	require.ErrorIs(t, c.Signal("reboot", ""), plugin.ErrUnknownSignal)
}

func TestController_ShutdownSignal(t *testing.T) {
	p := dummy.New()
	c := startController(t, testConfig(), p)
	goOnline(t, c)

	require.NoError(t, c.Signal(plugin.SignalShutdown, ""))
	select {
	case <-c.Done():
	case <-time.After(eventually):
		t.Fatal("dispatcher did not exit")
	}
	require.Equal(t, StateEnd, c.State())
	require.Contains(t, p.Calls(), dummy.OpOffline)
	require.NoError(t, c.Stop(context.Background()))
}

func TestController_Stop(t *testing.T) {
	p := dummy.New()
	c, err := New(p, testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), false))
	goOnline(t, c)

	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, StateEnd, c.State())
	require.False(t, c.Running())
	require.ErrorIs(t, c.Start(context.Background(), false), ErrNotRunning)
}

type recordingExtension struct {
	name    string
	order   *[]string
	mu      *sync.Mutex
	initErr error
}

func (e recordingExtension) Name() string { return e.name }

func (e recordingExtension) Initialize(context.Context, ExtensionConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.order = append(*e.order, "init "+e.name)
	return e.initErr
}

func (e recordingExtension) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.order = append(*e.order, "shutdown "+e.name)
	return nil
}

func TestController_ExtensionsLifecycle(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	a := recordingExtension{name: "a", order: &order, mu: &mu}
	b := recordingExtension{name: "b", order: &order, mu: &mu}

	c, err := New(dummy.New(), testConfig(), WithExtension(a), WithExtension(b))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), false))
	require.NoError(t, c.Stop(context.Background()))

	require.Equal(t, []string{"init a", "init b", "shutdown b", "shutdown a"}, order)
}

func TestController_ExtensionInitFailureStops(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	a := recordingExtension{name: "a", order: &order, mu: &mu}
	b := recordingExtension{name: "b", order: &order, mu: &mu, initErr: errors.New("no watcher")}

	c, err := New(dummy.New(), testConfig(), WithExtension(a), WithExtension(b))
	require.NoError(t, err)
	require.Error(t, c.Start(context.Background(), false))

	require.False(t, c.Running())
	require.Equal(t, []string{"init a", "init b", "shutdown a"}, order)
}

func TestController_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := startController(t, testConfig(), nil, WithMetrics(reg))
	goOnline(t, c)

	n, err := testutil.GatherAndCount(reg, "replicator_state_transitions_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 3)

	n, err = testutil.GatherAndCount(reg, "replicator_events_total")
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestController_ConcurrentOperationsAreSerialized(t *testing.T) {
	c := startController(t, testConfig(), nil)
	goOnline(t, c)

	var (
		active   int
		overlaps int
		mu       sync.Mutex
	)
	action := func(context.Context, plugin.Plugin) (any, error) {
		mu.Lock()
		active++
		if active > 1 {
			overlaps++
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ExtendedAction(context.Background(), "ONLINE:.*", action)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Zero(t, overlaps)
}

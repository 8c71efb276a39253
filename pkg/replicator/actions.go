package replicator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bft-labs/replicator/pkg/fsm"
	"github.com/bft-labs/replicator/pkg/log"
	"github.com/bft-labs/replicator/pkg/plugin"
)

// Actions run on the dispatcher goroutine. They receive the controller as
// their environment and everything about the event through the Transit.

func actStart(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if err := c.reconfigure(ctx, nil); err != nil {
		return err
	}
	cfg := c.Config()
	if err := c.plugin.SetRole(ctx, cfg.Role, ""); err != nil {
		return fmt.Errorf("set initial role: %w", err)
	}
	c.role.Store(cfg.Role)

	ev := tr.Event().(startEvent)
	if cfg.AutoEnable && !ev.forceOffline {
		if _, err := tr.Post(goOnlineEvent{}); err != nil {
			return fmt.Errorf("schedule auto-enable: %w", err)
		}
	}
	return nil
}

func actConfigure(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	ev := tr.Event().(configureEvent)
	if err := c.reconfigure(ctx, ev.props); err != nil {
		return err
	}
	_, err := tr.Post(notice(KindConfigured))
	return err
}

func actConfigured(_ context.Context, c *Controller, _ *fsm.Transit) error {
	c.clearDiagnostics()
	c.policy.Reset()
	return nil
}

func actGoOnline(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if tr.From() == c.machine.ErrorState() {
		c.clearDiagnostics()
	}
	ev := tr.Event().(goOnlineEvent)
	return c.plugin.Online(ctx, ev.params)
}

// actAutoRecover sleeps the retry delay on the dispatcher, blocking every
// other event until it elapses or the controller stops.
func actAutoRecover(ctx context.Context, c *Controller, _ *fsm.Transit) error {
	if d := c.policy.Config().Delay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return fsm.Rollback("auto-recovery interrupted: %v", ctx.Err())
		}
	}
	attempt := c.policy.RecordAttempt()
	c.logger.Info("auto-recovery attempt",
		log.Int("attempt", attempt),
		log.Int("maxAttempts", c.policy.Config().MaxAttempts),
	)
	if err := c.reconfigure(ctx, nil); err != nil {
		return err
	}
	return c.plugin.Online(ctx, nil)
}

// unsupported rolls back an operation the plugin does not advertise.
func unsupported(what string) error {
	return &fsm.RollbackError{Reason: what, Cause: ErrNotSupported}
}

// actClearOffline drops the diagnostics record whenever OFFLINE:NORMAL is
// reached through an offline request.
func actClearOffline(_ context.Context, c *Controller, _ *fsm.Transit) error {
	c.clearDiagnostics()
	return nil
}

func actGoOffline(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	ev := tr.Event().(paramsEvent)
	if err := c.plugin.Offline(ctx, ev.params); err != nil {
		return err
	}
	_, err := tr.Post(notice(KindOfflineReached))
	return err
}

func actDeferredOffline(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	ev := tr.Event().(paramsEvent)
	return c.plugin.OfflineDeferred(ctx, ev.params)
}

func actSetRole(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	ev := tr.Event().(setRoleEvent)
	if !c.plugin.Capabilities().SupportsRole(ev.role) {
		return unsupported("role " + string(ev.role))
	}
	if err := c.plugin.SetRole(ctx, ev.role, ev.uri); err != nil {
		return err
	}
	if err := c.store.SetDynamic(PropRole, string(ev.role)); err != nil {
		return fmt.Errorf("persist role: %w", err)
	}
	c.role.Store(ev.role)
	return nil
}

func actClearDynamic(_ context.Context, c *Controller, _ *fsm.Transit) error {
	return c.store.ClearDynamic()
}

func actHeartbeat(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if c.Role() != plugin.RoleMaster {
		return fsm.Rollback("Heartbeat operation is only allowed when in master role")
	}
	ok, err := c.plugin.Heartbeat(ctx, tr.Event().(paramsEvent).params)
	if err != nil {
		return err
	}
	tr.SetResult(ok)
	return nil
}

func actFlush(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if c.Role() != plugin.RoleMaster {
		return fsm.Rollback("Flush operation is only allowed when in master role")
	}
	pos, err := c.plugin.Flush(ctx, tr.Event().(flushEvent).timeout)
	if err != nil {
		return err
	}
	tr.SetResult(pos)
	return nil
}

func actPurge(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	n, err := c.plugin.Purge(ctx, tr.Event().(paramsEvent).params)
	if err != nil {
		return err
	}
	tr.SetResult(n)
	return nil
}

func actBackup(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if !c.plugin.Capabilities().Backup {
		return unsupported("backup")
	}
	ev := tr.Event().(backupEvent)
	fut, err := c.plugin.Backup(ctx, ev.agent, ev.storage)
	if err != nil {
		return err
	}
	c.watchFuture(fut, KindBackupComplete, tr)
	tr.SetResult(fut)
	return nil
}

func actRestore(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if !c.plugin.Capabilities().Restore {
		return unsupported("restore")
	}
	fut, err := c.plugin.Restore(ctx, tr.Event().(restoreEvent).uri)
	if err != nil {
		return err
	}
	c.watchFuture(fut, KindRestoreComplete, tr)
	tr.SetResult(fut)
	return nil
}

// actCompletion ends a backup or restore. A failed operation is fatal.
func actCompletion(_ context.Context, c *Controller, tr *fsm.Transit) error {
	ev := tr.Event().(completionEvent)
	if ev.err != nil {
		return fmt.Errorf("%s failed: %w", strings.TrimSuffix(ev.kind, "-complete"), ev.err)
	}
	c.logger.Info("operation completed",
		log.String("state", tr.From().Name()),
		log.String("uri", ev.uri),
	)
	return nil
}

func actProvision(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if !c.plugin.Capabilities().Provision {
		return unsupported("provision")
	}
	if err := c.plugin.Provision(ctx, tr.Event().(provisionEvent).uri); err != nil {
		return err
	}
	done, err := tr.Post(notice(KindProvisionComplete))
	if err != nil {
		return err
	}
	tr.SetResult(done)
	return nil
}

// actProvisioned goes online once OFFLINE:NORMAL is observed, when
// configured to do so. The wait runs off the dispatcher.
func actProvisioned(_ context.Context, c *Controller, _ *fsm.Transit) error {
	cfg := c.Config()
	if !cfg.AutoOnlineAfterProvision {
		return nil
	}
	return c.broker.Go(StateOfflineNormal, cfg.DefaultTimeout, func(reached bool, err error) {
		if err != nil || !reached {
			c.logger.Warn("auto-online after provision skipped", log.Bool("reached", reached), log.Err(err))
			return
		}
		if _, err := c.machine.Submit(goOnlineEvent{}); err != nil {
			c.logger.Warn("auto-online after provision not submitted", log.Err(err))
		}
	})
}

func actConsistencyWarn(_ context.Context, c *Controller, tr *fsm.Transit) error {
	msg, _ := errorDetails(tr.Event())
	c.logger.Warn("replication continues after failure", log.String("message", msg))
	return nil
}

func actRecordError(_ context.Context, c *Controller, tr *fsm.Transit) error {
	c.recordError(errorDetails(tr.Event()))
	return nil
}

// actError records the error and evaluates auto-recovery against the state
// the error interrupted.
func actError(_ context.Context, c *Controller, tr *fsm.Transit) error {
	c.recordError(errorDetails(tr.Event()))
	c.evaluateRecovery(tr.From())
	return nil
}

func actDwellCheck(_ context.Context, c *Controller, _ *fsm.Transit) error {
	if c.policy.Observe() {
		c.logger.Info("auto-recovery counter reset after online dwell")
		c.publishRecovery()
	}
	return nil
}

// actStop asks the plugin to go offline. Failures are logged only.
func actStop(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	if tr.From().Is(StateOffline) {
		return nil
	}
	if err := c.plugin.Offline(ctx, nil); err != nil {
		c.logger.Warn("plugin offline failed during stop", log.Err(err))
	}
	return nil
}

func actExtended(ctx context.Context, c *Controller, tr *fsm.Transit) error {
	ev := tr.Event().(extendedEvent)
	res, err := ev.fn(ctx, c.plugin)
	if err != nil {
		return err
	}
	tr.SetResult(res)
	return nil
}

// enterError puts the plugin offline, best-effort.
func enterError(ctx context.Context, c *Controller, _ *fsm.Transit) error {
	if err := c.plugin.Offline(ctx, nil); err != nil {
		c.logger.Warn("plugin offline failed on entering error state", log.Err(err))
	}
	return nil
}

func enterOnline(_ context.Context, c *Controller, tr *fsm.Transit) error {
	c.policy.EnterOnline()
	if cfg := c.policy.Config(); cfg.Enabled() && cfg.ResetInterval > 0 {
		c.stopDwell = tr.PostAfter(cfg.ResetInterval, notice(KindDwellCheck))
	}
	return nil
}

func exitOnline(_ context.Context, c *Controller, _ *fsm.Transit) error {
	if c.stopDwell != nil {
		c.stopDwell()
		c.stopDwell = nil
	}
	c.policy.LeaveOnline()
	return nil
}

package replicator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bft-labs/replicator/internal/metrics"
	"github.com/bft-labs/replicator/pkg/fsm"
	"github.com/bft-labs/replicator/pkg/log"
	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/recovery"
	"github.com/bft-labs/replicator/pkg/waiter"
)

// Controller drives a replication plugin through the replicator lifecycle.
// Use New() to create an instance, then Start() to run the dispatcher.
type Controller struct {
	base       Config
	cfg        atomic.Pointer[Config]
	plugin     plugin.Plugin
	store      PropertyStore
	logger     log.Logger
	clock      recovery.Clock
	policy     *recovery.Policy
	machine    *fsm.Machine[*Controller]
	broker     *waiter.Broker
	metrics    *metrics.Collector
	listeners  []StateChangeListener
	extensions []Extension

	diag       atomic.Pointer[Diagnostics]
	role       atomic.Value
	stateSince atomic.Int64
	startedAt  atomic.Int64

	// owned by the dispatcher
	stopDwell func() bool

	mu      sync.Mutex
	running bool
	stopped bool
	inited  []Extension
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New creates a controller for p. The controller is positioned at START;
// call Start() to run it.
func New(p plugin.Plugin, cfg Config, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, errors.New("replicator: plugin is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateModuleVersions(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewMemoryStore(nil)
	}
	if o.clock == nil {
		o.clock = recovery.WallClock()
	}

	table, err := buildTable()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		base:       cfg,
		plugin:     p,
		store:      o.store,
		logger:     o.logger.With(log.Component("replicator")),
		clock:      o.clock,
		policy:     recovery.New(cfg.recovery(), recovery.WithClock(o.clock)),
		listeners:  o.listeners,
		extensions: o.extensions,
		quit:       make(chan struct{}),
	}
	c.cfg.Store(&cfg)
	c.diag.Store(emptyDiagnostics())
	c.role.Store(cfg.Role)
	c.stateSince.Store(o.clock.Now().UnixNano())

	machineOpts := []fsm.Option[*Controller]{
		fsm.WithLogger[*Controller](o.logger.With(log.Component("dispatcher"))),
		fsm.WithQueueSize[*Controller](cfg.QueueSize),
		fsm.WithListener[*Controller](c.onStateChange),
		fsm.WithFatalHandler[*Controller](c.onFatal),
	}
	if o.registerer != nil {
		names := make([]string, 0, len(table.States()))
		for _, s := range table.States() {
			if s.IsLeaf() {
				names = append(names, s.Name())
			}
		}
		c.metrics = metrics.New(o.registerer, names)
		c.metrics.SetState(table.Start().Name())
		machineOpts = append(machineOpts, fsm.WithOutcomeObserver[*Controller](func(ev fsm.Event, out fsm.Outcome) {
			c.metrics.ObserveOutcome(ev.Kind(), string(out))
		}))
	}
	c.machine = fsm.NewMachine(table, c, machineOpts...)
	c.broker = waiter.New(c.machine,
		waiter.WithPoolSize(cfg.WaitPoolSize),
		waiter.WithLogger(o.logger.With(log.Component("waiter"))),
	)
	c.publishRecovery()

	if sa, ok := p.(plugin.SignalAware); ok {
		sa.BindSignaler(c)
	}
	return c, nil
}

// Start runs the dispatcher, processes the start command and initializes
// extensions. With forceOffline the replicator stays offline even when
// auto-enable is configured. The context bounds the dispatcher lifetime.
// A failed start command leaves the controller running in the error state.
func (c *Controller) Start(ctx context.Context, forceOffline bool) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if err := c.machine.Start(ctx); err != nil {
		c.mu.Unlock()
		return newError("start", err)
	}
	c.running = true
	c.mu.Unlock()
	c.startedAt.Store(c.clock.Now().UnixNano())

	if _, err := c.machine.Do(ctx, startEvent{forceOffline: forceOffline}); err != nil {
		return newError("start", err)
	}

	extCfg := ExtensionConfig{Controller: c, Logger: c.logger}
	if fb, ok := c.store.(FileBacked); ok {
		extCfg.PropertyFiles = fb.Paths()
	}
	for _, ext := range c.extensions {
		if err := ext.Initialize(ctx, extCfg); err != nil {
			c.logger.Error("extension initialization failed",
				log.String("extension", ext.Name()),
				log.Err(err))
			if stopErr := c.Stop(ctx); stopErr != nil {
				c.logger.Warn("cleanup after failed start", log.Err(stopErr))
			}
			return newError("start", fmt.Errorf("extension %s: %w", ext.Name(), err))
		}
		c.mu.Lock()
		c.inited = append(c.inited, ext)
		c.mu.Unlock()
		c.logger.Info("extension initialized", log.String("extension", ext.Name()))
	}
	return nil
}

// Stop puts the plugin offline, stops the dispatcher and shuts extensions
// down in reverse order. The controller cannot be restarted.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	c.stopped = true
	inited := c.inited
	c.inited = nil
	c.mu.Unlock()

	var result *multierror.Error
	if req, err := c.machine.Submit(notice(KindStop)); err == nil {
		if _, err := req.Wait(ctx); err != nil &&
			!errors.Is(err, fsm.ErrNotApplicable) && !errors.Is(err, fsm.ErrStopped) {
			result = multierror.Append(result, err)
		}
	}

	c.machine.Stop()
	close(c.quit)
	c.wg.Wait()
	c.broker.Close()

	for i := len(inited) - 1; i >= 0; i-- {
		ext := inited[i]
		if err := ext.Shutdown(ctx); err != nil {
			c.logger.Error("extension shutdown failed",
				log.String("extension", ext.Name()),
				log.Err(err))
			result = multierror.Append(result, fmt.Errorf("extension %s: %w", ext.Name(), err))
			continue
		}
		c.logger.Info("extension shutdown complete", log.String("extension", ext.Name()))
	}
	return newError("stop", result.ErrorOrNil())
}

// Done is closed once the dispatcher has exited, either through Stop or a
// shutdown signal.
func (c *Controller) Done() <-chan struct{} { return c.machine.Done() }

// Running reports whether Start succeeded and Stop was not called.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// State returns the qualified name of the current state.
func (c *Controller) State() string { return c.machine.State().Name() }

// Config returns the active configuration, including property overrides.
func (c *Controller) Config() Config { return *c.cfg.Load() }

// Role returns the current replication role.
func (c *Controller) Role() plugin.Role { return c.role.Load().(plugin.Role) }

// Recovery returns the auto-recovery counters.
func (c *Controller) Recovery() recovery.Snapshot { return c.policy.Snapshot() }

// Online starts replication.
func (c *Controller) Online(ctx context.Context, params plugin.Params) error {
	_, err := c.do(ctx, "online", goOnlineEvent{params: params})
	return err
}

// Offline stops replication immediately.
func (c *Controller) Offline(ctx context.Context, params plugin.Params) error {
	_, err := c.do(ctx, "offline", paramsEvent{kind: KindGoOffline, params: params})
	return err
}

// OfflineDeferred stops replication at the next consistent point.
func (c *Controller) OfflineDeferred(ctx context.Context, params plugin.Params) error {
	_, err := c.do(ctx, "offline-deferred", paramsEvent{kind: KindDeferredOffline, params: params})
	return err
}

// Configure reconfigures the plugin with props, or with the property store
// contents when props is nil.
func (c *Controller) Configure(ctx context.Context, props plugin.Properties) error {
	_, err := c.do(ctx, "configure", configureEvent{props: props})
	return err
}

// SetRole changes the replication role. uri locates the master for slaves.
func (c *Controller) SetRole(ctx context.Context, role plugin.Role, uri string) error {
	_, err := c.do(ctx, "set-role", setRoleEvent{role: role, uri: uri})
	return err
}

// ClearDynamicProperties drops every dynamic property override.
func (c *Controller) ClearDynamicProperties(ctx context.Context) error {
	_, err := c.do(ctx, "clear-dynamic", notice(KindClearDynamic))
	return err
}

// Heartbeat injects a heartbeat event. Master role only.
func (c *Controller) Heartbeat(ctx context.Context, params plugin.Params) (bool, error) {
	res, err := c.do(ctx, "heartbeat", paramsEvent{kind: KindHeartbeat, params: params})
	if err != nil {
		return false, err
	}
	ok, _ := res.(bool)
	return ok, nil
}

// Flush forces pending changes out and returns the resulting position.
// Master role only.
func (c *Controller) Flush(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := c.do(ctx, "flush", flushEvent{timeout: timeout})
	if err != nil {
		return "", err
	}
	pos, _ := res.(string)
	return pos, nil
}

// Purge terminates replication sessions and returns how many were killed.
func (c *Controller) Purge(ctx context.Context, params plugin.Params) (int, error) {
	res, err := c.do(ctx, "purge", paramsEvent{kind: KindPurge, params: params})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int)
	return n, nil
}

// Backup starts a backup and waits up to timeout for its URI. An empty URI
// with a nil error means the backup is still running.
func (c *Controller) Backup(ctx context.Context, agent, storage string, timeout time.Duration) (string, error) {
	res, err := c.do(ctx, "backup", backupEvent{agent: agent, storage: storage})
	if err != nil {
		return "", err
	}
	return c.awaitFuture(ctx, "backup", res, timeout)
}

// Restore starts a restore and waits up to timeout for its URI. An empty
// URI with a nil error means the restore is still running.
func (c *Controller) Restore(ctx context.Context, uri string, timeout time.Duration) (string, error) {
	res, err := c.do(ctx, "restore", restoreEvent{uri: uri})
	if err != nil {
		return "", err
	}
	return c.awaitFuture(ctx, "restore", res, timeout)
}

// Provision loads data from uri and reports whether provisioning finished
// within timeout.
func (c *Controller) Provision(ctx context.Context, uri string, timeout time.Duration) (bool, error) {
	res, err := c.do(ctx, "provision", provisionEvent{uri: uri})
	if err != nil {
		return false, err
	}
	req, ok := res.(*fsm.Request)
	if !ok {
		return false, nil
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout(timeout))
	defer cancel()
	if _, err := req.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, newError("provision", err)
	}
	return true, nil
}

// WaitForState blocks until the state matches name, loosely by base name.
// It returns false on timeout and an error if the error state is entered.
func (c *Controller) WaitForState(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	ok, err := c.broker.Wait(ctx, name, c.timeout(timeout))
	return ok, newError("wait-for-state", err)
}

// WaitForAppliedSequenceNumber blocks until the plugin has applied id.
// Requires the online state.
func (c *Controller) WaitForAppliedSequenceNumber(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	if st := c.machine.State(); !st.Is(StateOnline) {
		return false, newError("wait-for-applied", fmt.Errorf("%w: state is %s", ErrNotOnline, st.Name()))
	}
	ok, err := c.plugin.WaitForAppliedEvent(ctx, id, c.timeout(timeout))
	return ok, newError("wait-for-applied", err)
}

// Status merges the plugin status with the controller status keys.
func (c *Controller) Status(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if ps, err := c.plugin.Status(ctx); err != nil {
		c.logger.Warn("plugin status unavailable", log.Err(err))
		out["pluginStatusError"] = err.Error()
	} else {
		for k, v := range ps {
			out[k] = v
		}
	}

	now := c.clock.Now()
	cfg := c.Config()
	d := c.Diagnostics()
	r := c.policy.Snapshot()

	out["state"] = c.State()
	out["role"] = string(c.Role())
	out["serviceName"] = cfg.ServiceName
	out["pendingError"] = d.PendingError
	out["pendingExceptionMessage"] = d.PendingExceptionMessage
	out["pendingErrorSeqno"] = strconv.FormatInt(d.PendingErrorSeqno, 10)
	out["pendingErrorEventId"] = d.PendingErrorEventID
	out["timeInStateSeconds"] = seconds(now, c.stateSince.Load())
	out["uptimeSeconds"] = seconds(now, c.startedAt.Load())
	out["autoRecoveryEnabled"] = strconv.FormatBool(r.Config.Enabled())
	out["autoRecoveryTotal"] = strconv.FormatInt(r.Total, 10)
	out["autoRecoveryAttempts"] = strconv.Itoa(r.Attempts)
	out["lastStateChange"] = ""
	if !d.LastStateChange.IsZero() {
		out["lastStateChange"] = d.LastStateChange.UTC().Format(time.RFC3339)
	}
	return out, nil
}

// Signal injects the event mapped to code. It does not wait for the event
// to be processed, so plugins may signal from inside a lifecycle call.
func (c *Controller) Signal(code plugin.SignalCode, message string) error {
	var ev fsm.Event
	switch code {
	case plugin.SignalOffline:
		ev = notice(KindOfflineReached)
	case plugin.SignalShutdown:
		ev = notice(KindStop)
	case plugin.SignalConfigured:
		ev = notice(KindConfigured)
	case plugin.SignalSynced:
		ev = notice(KindSynced)
	case plugin.SignalRestored:
		ev = completionEvent{kind: KindRestoreComplete, uri: message}
	case plugin.SignalConsistency:
		ev = consistencyEvent{message: message}
	case plugin.SignalError:
		ev = errorEvent{message: message}
	default:
		return newError("signal", fmt.Errorf("%w: %q", plugin.ErrUnknownSignal, code))
	}
	_, err := c.machine.Submit(ev)
	return newError("signal", err)
}

// ReportError injects an error event carrying cause, ahead of queued
// events.
func (c *Controller) ReportError(message string, cause error) error {
	_, err := c.machine.Submit(errorEvent{message: message, cause: cause})
	return newError("report-error", err)
}

// ExtendedAction runs fn on the dispatcher if the current state name fully
// matches pattern. fn is trusted: it runs with the plugin and must not start
// work that outlives it, or it breaks the one-action-at-a-time guarantee.
func (c *Controller) ExtendedAction(ctx context.Context, pattern string, fn ExtendedFunc) (any, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, newError("extended", fmt.Errorf("%w: %v", ErrInvalidPattern, err))
	}
	return c.do(ctx, "extended", extendedEvent{match: re.MatchString, fn: fn})
}

func (c *Controller) do(ctx context.Context, op string, ev fsm.Event) (any, error) {
	if !c.Running() {
		return nil, newError(op, ErrNotRunning)
	}
	res, err := c.machine.Do(ctx, ev)
	if err != nil {
		return nil, newError(op, err)
	}
	return res, nil
}

func (c *Controller) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.Config().DefaultTimeout
	}
	return d
}

func (c *Controller) awaitFuture(ctx context.Context, op string, res any, timeout time.Duration) (string, error) {
	fut, ok := res.(*plugin.Future)
	if !ok {
		return "", nil
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout(timeout))
	defer cancel()
	uri, err := fut.Get(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", nil
		}
		return "", newError(op, err)
	}
	return uri, nil
}

// reconfigure applies props, or the store contents when nil, to the
// controller settings and the plugin.
func (c *Controller) reconfigure(ctx context.Context, props plugin.Properties) error {
	if props == nil {
		loaded, err := c.store.Load()
		if err != nil {
			return fmt.Errorf("load properties: %w", err)
		}
		props = loaded
	}
	cfg, err := c.base.ApplyProperties(props)
	if err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}
	c.cfg.Store(&cfg)
	c.policy.SetConfig(cfg.recovery())
	c.publishRecovery()
	if err := c.plugin.Configure(ctx, props.Clone()); err != nil {
		return fmt.Errorf("configure plugin: %w", err)
	}
	return nil
}

// watchFuture posts the completion of fut as an event of kind.
func (c *Controller) watchFuture(fut *plugin.Future, kind string, tr *fsm.Transit) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-fut.Done():
		case <-c.quit:
			return
		}
		uri, err := fut.Get(context.Background())
		if _, postErr := tr.Post(completionEvent{kind: kind, uri: uri, err: err}); postErr != nil {
			c.logger.Warn("completion not delivered", log.String("event", kind), log.Err(postErr))
		}
	}()
}

// evaluateRecovery schedules a retry when the policy allows one. Only
// errors interrupting the online or synchronizing states qualify.
func (c *Controller) evaluateRecovery(from *fsm.State) {
	fromActive := from.Is(StateOnline) || from.Is(StateSynchronizing)
	d := c.policy.Evaluate(fromActive)
	c.publishRecovery()
	if !d.Retry {
		if fromActive && c.policy.Config().Enabled() {
			c.logger.Warn("auto-recovery attempts exhausted",
				log.Int("attempts", d.Attempt),
				log.String("from", from.Name()))
		}
		return
	}
	c.logger.Info("scheduling auto-recovery",
		log.Int("attempt", d.Attempt),
		log.Duration("delay", d.Delay),
		log.String("from", from.Name()))
	if _, err := c.machine.Submit(goOnlineEvent{auto: true}); err != nil {
		c.logger.Error("auto-recovery not scheduled", log.Err(err))
	}
}

func (c *Controller) onFatal(_ context.Context, _ *Controller, from *fsm.State, _ fsm.Event, err error) {
	msg := err.Error()
	var fe *fsm.FatalError
	if errors.As(err, &fe) {
		msg = fe.Cause.Error()
	}
	c.recordError(msg, err)
	c.evaluateRecovery(from)
}

func (c *Controller) onStateChange(from, to *fsm.State, ev fsm.Event) {
	now := c.clock.Now()
	c.stateSince.Store(now.UnixNano())
	c.updateDiagnostics(func(d *Diagnostics) { d.LastStateChange = now })
	c.broker.Publish(to)
	if c.metrics != nil {
		c.metrics.ObserveTransition(from.Name(), to.Name())
		c.publishRecovery()
	}
	for _, l := range c.listeners {
		l(from.Name(), to.Name(), ev.Kind())
	}
}

func (c *Controller) publishRecovery() {
	if c.metrics == nil {
		return
	}
	r := c.policy.Snapshot()
	c.metrics.SetRecovery(r.Config.Enabled(), r.Attempts, r.Total)
}

func seconds(now time.Time, sinceNanos int64) string {
	if sinceNanos == 0 {
		return "0"
	}
	return strconv.FormatInt(int64(now.Sub(time.Unix(0, sinceNanos)).Seconds()), 10)
}

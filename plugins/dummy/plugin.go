// Package dummy provides an in-memory replication plugin. It keeps a fake
// applied sequence number, resolves backups and restores immediately and
// can be told to fail any operation. The CLI runs it in demo mode and the
// controller tests drive it.
package dummy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bft-labs/replicator/pkg/plugin"
)

// Operation names accepted by SetFailure.
const (
	OpConfigure       = "configure"
	OpOnline          = "online"
	OpOffline         = "offline"
	OpOfflineDeferred = "offline-deferred"
	OpFlush           = "flush"
	OpHeartbeat       = "heartbeat"
	OpPurge           = "purge"
	OpBackup          = "backup"
	OpRestore         = "restore"
	OpProvision       = "provision"
	OpSetRole         = "set-role"
	OpStatus          = "status"
)

// Plugin is an in-memory plugin.Plugin.
type Plugin struct {
	mu       sync.Mutex
	caps     plugin.Capabilities
	autoSync bool
	props    plugin.Properties
	role     plugin.Role
	master   string
	online   bool
	seqno    int64
	backups  int
	failures map[string]error
	calls    []string
	signaler plugin.Signaler
}

// Option configures the dummy plugin.
type Option func(*Plugin)

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(c plugin.Capabilities) Option {
	return func(p *Plugin) { p.caps = c }
}

// WithAutoSync makes Online signal "synced" right away. Enabled by default.
func WithAutoSync(enabled bool) Option {
	return func(p *Plugin) { p.autoSync = enabled }
}

// New creates a dummy plugin supporting every optional operation.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		caps: plugin.Capabilities{
			Backup:    true,
			Restore:   true,
			Provision: true,
			Roles:     []plugin.Role{plugin.RoleMaster, plugin.RoleSlave},
		},
		autoSync: true,
		props:    make(plugin.Properties),
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetFailure makes op return err until cleared with a nil err.
func (p *Plugin) SetFailure(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Calls returns the operations invoked so far, in order.
func (p *Plugin) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.calls...)
}

// Properties returns the last configured properties.
func (p *Plugin) Properties() plugin.Properties {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props.Clone()
}

// Advance moves the applied sequence number forward by n.
func (p *Plugin) Advance(n int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqno += n
	return p.seqno
}

// BindSignaler implements plugin.SignalAware.
func (p *Plugin) BindSignaler(s plugin.Signaler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaler = s
}

// enter records the call and returns the configured failure, if any.
func (p *Plugin) enter(op string) error {
	p.calls = append(p.calls, op)
	return p.failures[op]
}

func (p *Plugin) signal(code plugin.SignalCode) error {
	if p.signaler == nil {
		return nil
	}
	return p.signaler.Signal(code, "")
}

// Configure implements plugin.Plugin.
func (p *Plugin) Configure(_ context.Context, props plugin.Properties) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpConfigure); err != nil {
		return err
	}
	p.props = props.Clone()
	return nil
}

// Online implements plugin.Plugin.
func (p *Plugin) Online(_ context.Context, _ plugin.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpOnline); err != nil {
		return err
	}
	p.online = true
	if p.autoSync {
		return p.signal(plugin.SignalSynced)
	}
	return nil
}

// Offline implements plugin.Plugin.
func (p *Plugin) Offline(_ context.Context, _ plugin.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpOffline); err != nil {
		return err
	}
	p.online = false
	return nil
}

// OfflineDeferred implements plugin.Plugin. The dummy stops at once and
// signals it.
func (p *Plugin) OfflineDeferred(_ context.Context, _ plugin.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpOfflineDeferred); err != nil {
		return err
	}
	p.online = false
	return p.signal(plugin.SignalOffline)
}

// Flush implements plugin.Plugin.
func (p *Plugin) Flush(_ context.Context, _ time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpFlush); err != nil {
		return "", err
	}
	return strconv.FormatInt(p.seqno, 10), nil
}

// Heartbeat implements plugin.Plugin.
func (p *Plugin) Heartbeat(_ context.Context, _ plugin.Params) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpHeartbeat); err != nil {
		return false, err
	}
	p.seqno++
	return true, nil
}

// Purge implements plugin.Plugin. The dummy has no sessions to kill.
func (p *Plugin) Purge(_ context.Context, _ plugin.Params) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpPurge); err != nil {
		return 0, err
	}
	return 0, nil
}

// WaitForAppliedEvent implements plugin.Plugin. id is a sequence number.
func (p *Plugin) WaitForAppliedEvent(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	target, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, fmt.Errorf("dummy: invalid sequence number %q: %w", id, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		applied := p.seqno >= target
		p.mu.Unlock()
		if applied {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// Backup implements plugin.Plugin.
func (p *Plugin) Backup(_ context.Context, agent, storage string) (*plugin.Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, OpBackup)
	if err := p.failures[OpBackup]; err != nil {
		return plugin.Resolved("", err), nil
	}
	p.backups++
	return plugin.Resolved(fmt.Sprintf("%s://%s/backup-%d", storage, agent, p.backups), nil), nil
}

// Restore implements plugin.Plugin.
func (p *Plugin) Restore(_ context.Context, uri string) (*plugin.Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, OpRestore)
	if err := p.failures[OpRestore]; err != nil {
		return plugin.Resolved("", err), nil
	}
	return plugin.Resolved(uri, nil), nil
}

// Provision implements plugin.Plugin.
func (p *Plugin) Provision(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enter(OpProvision)
}

// SetRole implements plugin.Plugin.
func (p *Plugin) SetRole(_ context.Context, role plugin.Role, uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpSetRole); err != nil {
		return err
	}
	p.role = role
	p.master = uri
	return nil
}

// Status implements plugin.Plugin.
func (p *Plugin) Status(_ context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[OpStatus]; err != nil {
		return nil, err
	}
	return map[string]string{
		"plugin":           "dummy",
		"appliedLastSeqno": strconv.FormatInt(p.seqno, 10),
		"pluginOnline":     strconv.FormatBool(p.online),
		"masterUri":        p.master,
	}, nil
}

// Capabilities implements plugin.Plugin.
func (p *Plugin) Capabilities() plugin.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

var _ plugin.Plugin = (*Plugin)(nil)
var _ plugin.SignalAware = (*Plugin)(nil)

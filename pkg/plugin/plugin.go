package plugin

import (
	"context"
	"fmt"
	"time"
)

// Role is the replication role of the node.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Properties is the flattened configuration handed to Configure.
type Properties map[string]string

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Params carries optional control parameters of a management call.
type Params map[string]string

// Capabilities describes the optional operations a plugin supports.
type Capabilities struct {
	Backup    bool   `json:"backup"`
	Restore   bool   `json:"restore"`
	Provision bool   `json:"provision"`
	Roles     []Role `json:"roles"`
}

// SupportsRole reports whether r is in the advertised roles. An empty role
// list accepts any role.
func (c Capabilities) SupportsRole(r Role) bool {
	if len(c.Roles) == 0 {
		return true
	}
	for _, have := range c.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Plugin is the replication engine driven by the controller.
type Plugin interface {
	// Configure applies properties. Called while offline.
	Configure(ctx context.Context, props Properties) error

	// Online starts replication. Reaching sync is reported by signalling
	// SignalSynced.
	Online(ctx context.Context, params Params) error

	// Offline stops replication immediately.
	Offline(ctx context.Context, params Params) error

	// OfflineDeferred stops replication at the next consistent point. The
	// plugin signals SignalOffline once it has stopped.
	OfflineDeferred(ctx context.Context, params Params) error

	// Flush forces pending changes out and returns the resulting position.
	Flush(ctx context.Context, timeout time.Duration) (string, error)

	// Heartbeat injects a heartbeat event.
	Heartbeat(ctx context.Context, params Params) (bool, error)

	// Purge terminates replication sessions and returns how many were killed.
	Purge(ctx context.Context, params Params) (int, error)

	// WaitForAppliedEvent blocks until the event id is applied or timeout.
	WaitForAppliedEvent(ctx context.Context, id string, timeout time.Duration) (bool, error)

	// Backup starts a backup and returns a future resolving to its URI.
	Backup(ctx context.Context, agent, storage string) (*Future, error)

	// Restore starts a restore and returns a future resolving to its URI.
	Restore(ctx context.Context, uri string) (*Future, error)

	// Provision loads data from uri.
	Provision(ctx context.Context, uri string) error

	// SetRole changes the replication role.
	SetRole(ctx context.Context, role Role, uri string) error

	// Status returns plugin specific status keys.
	Status(ctx context.Context) (map[string]string, error)

	// Capabilities returns the supported optional operations.
	Capabilities() Capabilities
}

// ApplyError reports a failure tied to a replicated event. The controller
// copies its identifiers into the diagnostics record.
type ApplyError struct {
	Seqno   int64
	EventID string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("event %s (seqno %d): %v", e.EventID, e.Seqno, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

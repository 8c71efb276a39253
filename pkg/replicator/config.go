package replicator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/recovery"
)

// Property keys read from the property store. Values override the Config
// the controller was created with.
const (
	PropServiceName           = "replicator.service_name"
	PropRole                  = "replicator.role"
	PropAutoEnable            = "replicator.auto_enable"
	PropAutoOnlineProvision   = "replicator.auto_online_after_provision"
	PropConsistencyStop       = "replicator.consistency_failure_stop"
	PropRecoveryMaxAttempts   = "replicator.auto_recovery.max_attempts"
	PropRecoveryDelay         = "replicator.auto_recovery.delay"
	PropRecoveryResetInterval = "replicator.auto_recovery.reset_interval"
)

// Config holds the controller settings.
type Config struct {
	// ServiceName identifies the replication service in status output.
	ServiceName string

	// Role is the replication role applied at start.
	Role plugin.Role

	// AutoEnable puts the replicator online right after start.
	AutoEnable bool

	// AutoOnlineAfterProvision goes online once provisioning completes.
	AutoOnlineAfterProvision bool

	// ConsistencyStop makes consistency check failures stop replication.
	// When false they are only logged.
	ConsistencyStop bool

	// AutoRecoveryMaxAttempts bounds consecutive retries. Zero disables
	// auto-recovery.
	AutoRecoveryMaxAttempts int

	// AutoRecoveryDelay is slept on the dispatcher before each retry.
	AutoRecoveryDelay time.Duration

	// AutoRecoveryResetInterval is the online dwell time after which the
	// attempt counter resets.
	AutoRecoveryResetInterval time.Duration

	// QueueSize bounds each dispatcher lane.
	QueueSize int

	// WaitPoolSize bounds concurrent wait-for-state callers.
	WaitPoolSize int

	// DefaultTimeout applies to waits requested without a timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ServiceName:               "default",
		Role:                      plugin.RoleMaster,
		ConsistencyStop:           true,
		AutoRecoveryMaxAttempts:   0,
		AutoRecoveryDelay:         5 * time.Second,
		AutoRecoveryResetInterval: 5 * time.Minute,
		QueueSize:                 1024,
		WaitPoolSize:              64,
		DefaultTimeout:            30 * time.Second,
	}
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WaitPoolSize == 0 {
		c.WaitPoolSize = d.WaitPoolSize
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.ServiceName == "" {
		result = multierror.Append(result, fmt.Errorf("service name is required"))
	}
	if c.AutoRecoveryMaxAttempts < 0 {
		result = multierror.Append(result, fmt.Errorf("auto-recovery max attempts must not be negative"))
	}
	if c.AutoRecoveryDelay < 0 {
		result = multierror.Append(result, fmt.Errorf("auto-recovery delay must not be negative"))
	}
	if c.AutoRecoveryResetInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("auto-recovery reset interval must not be negative"))
	}
	if c.QueueSize < 1 {
		result = multierror.Append(result, fmt.Errorf("queue size must be positive"))
	}
	if c.WaitPoolSize < 1 {
		result = multierror.Append(result, fmt.Errorf("wait pool size must be positive"))
	}
	if c.DefaultTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("default timeout must be positive"))
	}
	return result.ErrorOrNil()
}

// ApplyProperties returns a copy of c overridden by the recognised keys of
// props. Unknown keys are left to the plugin.
func (c Config) ApplyProperties(props plugin.Properties) (Config, error) {
	var result *multierror.Error
	out := c

	setBool := func(key string, dst *bool) {
		if v, ok := props[key]; ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := props[key]; ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := props[PropServiceName]; ok && v != "" {
		out.ServiceName = v
	}
	if v, ok := props[PropRole]; ok && v != "" {
		out.Role = plugin.Role(strings.ToLower(strings.TrimSpace(v)))
	}
	setBool(PropAutoEnable, &out.AutoEnable)
	setBool(PropAutoOnlineProvision, &out.AutoOnlineAfterProvision)
	setBool(PropConsistencyStop, &out.ConsistencyStop)
	if v, ok := props[PropRecoveryMaxAttempts]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", PropRecoveryMaxAttempts, err))
		} else {
			out.AutoRecoveryMaxAttempts = n
		}
	}
	setDuration(PropRecoveryDelay, &out.AutoRecoveryDelay)
	setDuration(PropRecoveryResetInterval, &out.AutoRecoveryResetInterval)

	if err := result.ErrorOrNil(); err != nil {
		return c, err
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}

func (c Config) recovery() recovery.Config {
	return recovery.Config{
		MaxAttempts:   c.AutoRecoveryMaxAttempts,
		Delay:         c.AutoRecoveryDelay,
		ResetInterval: c.AutoRecoveryResetInterval,
	}
}

package cliconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/replicator"
)

// DefaultListenAddr is the default address of the management server.
const DefaultListenAddr = "127.0.0.1:10000"

// Config holds CLI configuration for the replicator.
type Config struct {
	PropertiesFile string
	DynamicFile    string

	ListenAddr string
	LogLevel   string

	ServiceName              string
	Role                     string
	AutoEnable               bool
	ForceOffline             bool
	AutoOnlineAfterProvision bool
	ConsistencyStop          bool

	AutoRecoveryMaxAttempts   int
	AutoRecoveryDelay         time.Duration
	AutoRecoveryResetInterval time.Duration

	DefaultTimeout time.Duration
	QueueSize      int

	WatchProperties bool
	WatchDebounce   time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	rc := replicator.DefaultConfig()
	return Config{
		ListenAddr:                DefaultListenAddr,
		LogLevel:                  "info",
		ServiceName:               rc.ServiceName,
		Role:                      string(rc.Role),
		ConsistencyStop:           rc.ConsistencyStop,
		AutoRecoveryMaxAttempts:   rc.AutoRecoveryMaxAttempts,
		AutoRecoveryDelay:         rc.AutoRecoveryDelay,
		AutoRecoveryResetInterval: rc.AutoRecoveryResetInterval,
		DefaultTimeout:            rc.DefaultTimeout,
		QueueSize:                 rc.QueueSize,
		WatchProperties:           true,
		WatchDebounce:             500 * time.Millisecond,
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error

	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	switch plugin.Role(c.Role) {
	case plugin.RoleMaster, plugin.RoleSlave:
	default:
		result = multierror.Append(result, fmt.Errorf("role must be master or slave, got %q", c.Role))
	}
	if c.ListenAddr == "" {
		result = multierror.Append(result, fmt.Errorf("listen address is required"))
	}
	if c.WatchProperties && c.PropertiesFile == "" {
		c.WatchProperties = false
	}
	if c.WatchDebounce < 0 {
		result = multierror.Append(result, fmt.Errorf("watch debounce must not be negative"))
	}
	if err := c.Replicator().Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Replicator returns the controller configuration.
func (c Config) Replicator() replicator.Config {
	rc := replicator.DefaultConfig()
	rc.ServiceName = c.ServiceName
	rc.Role = plugin.Role(c.Role)
	rc.AutoEnable = c.AutoEnable
	rc.AutoOnlineAfterProvision = c.AutoOnlineAfterProvision
	rc.ConsistencyStop = c.ConsistencyStop
	rc.AutoRecoveryMaxAttempts = c.AutoRecoveryMaxAttempts
	rc.AutoRecoveryDelay = c.AutoRecoveryDelay
	rc.AutoRecoveryResetInterval = c.AutoRecoveryResetInterval
	rc.DefaultTimeout = c.DefaultTimeout
	rc.QueueSize = c.QueueSize
	return rc
}

// configSetter applies configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if flag not changed. Zero is a valid setting.
func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses an environment value.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

// setBoolFromString parses an environment value.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = b
	return nil
}

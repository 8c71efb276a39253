// Package replicator provides a lifecycle controller for replication
// plugins. It drives the plugin through offline, synchronizing and online
// states, serializes every management operation and retries failed
// replication when auto-recovery is enabled.
//
// Example usage:
//
//	cfg := replicator.DefaultConfig()
//	cfg.AutoRecoveryMaxAttempts = 3
//	c, err := replicator.New(myPlugin, cfg, replicator.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := replicator.Run(ctx, c, false); err != nil {
//	    log.Fatal(err)
//	}
package replicator

import (
	"context"
	"errors"

	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/replicator"
)

// Controller drives a replication plugin through its lifecycle.
type Controller = replicator.Controller

// Config holds the controller settings.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = replicator.Config

// Option configures optional behavior of the Controller.
type Option = replicator.Option

// Plugin is the contract a replication plugin implements.
type Plugin = plugin.Plugin

// New creates a controller positioned at START.
func New(p Plugin, cfg Config, opts ...Option) (*Controller, error) {
	return replicator.New(p, cfg, opts...)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return replicator.DefaultConfig()
}

// Run starts c and blocks until the context is cancelled or the replicator
// shuts itself down, then stops it.
func Run(ctx context.Context, c *Controller, forceOffline bool) error {
	if err := c.Start(ctx, forceOffline); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-c.Done():
	}
	// the start context is gone; give shutdown its own
	if err := c.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, replicator.ErrNotRunning) {
		return err
	}
	return nil
}

// Re-exported options.
var (
	WithLogger              = replicator.WithLogger
	WithPropertyStore       = replicator.WithPropertyStore
	WithStateChangeListener = replicator.WithStateChangeListener
	WithMetrics             = replicator.WithMetrics
	WithExtension           = replicator.WithExtension
)

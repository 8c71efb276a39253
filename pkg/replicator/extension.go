package replicator

import (
	"context"

	"github.com/bft-labs/replicator/pkg/log"
)

// Extension is an optional component running alongside the controller.
type Extension interface {
	// Name returns the extension identifier used in logs.
	Name() string

	// Initialize is called from Start after the dispatcher is running.
	Initialize(ctx context.Context, cfg ExtensionConfig) error

	// Shutdown is called from Stop after the dispatcher has exited.
	Shutdown(ctx context.Context) error
}

// ExtensionConfig is handed to extensions on initialization.
type ExtensionConfig struct {
	// Controller is the running controller.
	Controller *Controller

	// PropertyFiles lists the files backing the property store, if any.
	PropertyFiles []string

	// Logger is the controller logger.
	Logger log.Logger
}

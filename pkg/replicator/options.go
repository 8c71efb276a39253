package replicator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/replicator/pkg/log"
	"github.com/bft-labs/replicator/pkg/recovery"
)

// StateChangeListener is notified of every committed state change with the
// qualified state names and the event kind. Listeners run on the dispatcher
// and must return quickly.
type StateChangeListener func(from, to, event string)

// Option configures optional behavior of the Controller.
type Option func(*options)

// options holds the optional configuration for a Controller.
type options struct {
	logger     log.Logger
	store      PropertyStore
	listeners  []StateChangeListener
	clock      recovery.Clock
	registerer prometheus.Registerer
	extensions []Extension
}

func defaultOptions() options {
	return options{
		logger: log.NewNoopLogger(),
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPropertyStore sets where properties are loaded from at start and on
// reconfiguration. If not provided, an in-memory store is used.
func WithPropertyStore(store PropertyStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithStateChangeListener registers an external state change listener.
func WithStateChangeListener(l StateChangeListener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}

// WithClock replaces the clock used for dwell and uptime tracking.
func WithClock(c recovery.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics registers Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithExtension registers an extension to be initialized when the controller
// starts. Extensions are initialized in registration order and shut down in
// reverse order.
func WithExtension(ext Extension) Option {
	return func(o *options) {
		o.extensions = append(o.extensions, ext)
	}
}

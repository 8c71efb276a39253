// Package metrics exposes the replicator lifecycle as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replicator"

// Collector holds the lifecycle metrics of one controller.
type Collector struct {
	transitions      *prometheus.CounterVec
	state            *prometheus.GaugeVec
	outcomes         *prometheus.CounterVec
	recoveryAttempts prometheus.Gauge
	recoveryTotal    prometheus.Gauge
	recoveryEnabled  prometheus.Gauge

	states []string
}

// New registers the collectors with reg. states lists every state name so
// the state gauge can be kept one-hot.
func New(reg prometheus.Registerer, states []string) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of committed state transitions",
		}, []string{"from", "to"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current state (current=1; others 0)",
		}, []string{"state"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of processed events by kind and outcome",
		}, []string{"event", "outcome"}),
		recoveryAttempts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auto_recovery",
			Name:      "attempts",
			Help:      "Consecutive auto-recovery attempts since the last reset",
		}),
		recoveryTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auto_recovery",
			Name:      "attempts_lifetime",
			Help:      "Auto-recovery attempts over the controller lifetime",
		}),
		recoveryEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auto_recovery",
			Name:      "enabled",
			Help:      "Whether auto-recovery is enabled (1) or not (0)",
		}),
		states: states,
	}
}

// ObserveTransition records a committed state change.
func (c *Collector) ObserveTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
	c.SetState(to)
}

// SetState marks current as the active state.
func (c *Collector) SetState(current string) {
	for _, s := range c.states {
		value := 0.0
		if s == current {
			value = 1.0
		}
		c.state.WithLabelValues(s).Set(value)
	}
}

// ObserveOutcome counts a processed event.
func (c *Collector) ObserveOutcome(event, outcome string) {
	c.outcomes.WithLabelValues(event, outcome).Inc()
}

// SetRecovery publishes the auto-recovery counters.
func (c *Collector) SetRecovery(enabled bool, attempts int, total int64) {
	v := 0.0
	if enabled {
		v = 1.0
	}
	c.recoveryEnabled.Set(v)
	c.recoveryAttempts.Set(float64(attempts))
	c.recoveryTotal.Set(float64(total))
}

package replicator

import (
	"errors"
	"time"

	"github.com/bft-labs/replicator/pkg/plugin"
)

// Diagnostics is a snapshot of the last error and state change.
type Diagnostics struct {
	PendingError            string
	PendingExceptionMessage string
	PendingErrorSeqno       int64
	PendingErrorEventID     string
	LastStateChange         time.Time
}

// HasError reports whether an error is pending.
func (d Diagnostics) HasError() bool { return d.PendingError != "" }

func emptyDiagnostics() *Diagnostics {
	return &Diagnostics{PendingErrorSeqno: -1}
}

// Diagnostics returns the current snapshot. Safe for concurrent use.
func (c *Controller) Diagnostics() Diagnostics { return *c.diag.Load() }

// updateDiagnostics swaps in a modified copy. Dispatcher only.
func (c *Controller) updateDiagnostics(fn func(d *Diagnostics)) {
	next := *c.diag.Load()
	fn(&next)
	c.diag.Store(&next)
}

func (c *Controller) recordError(message string, cause error) {
	c.updateDiagnostics(func(d *Diagnostics) {
		d.PendingError = message
		d.PendingExceptionMessage = ""
		d.PendingErrorSeqno = -1
		d.PendingErrorEventID = ""
		if cause != nil {
			d.PendingExceptionMessage = rootCause(cause).Error()
		}
		var ae *plugin.ApplyError
		if errors.As(cause, &ae) {
			d.PendingErrorSeqno = ae.Seqno
			d.PendingErrorEventID = ae.EventID
		}
	})
}

func (c *Controller) clearDiagnostics() {
	c.updateDiagnostics(func(d *Diagnostics) {
		last := d.LastStateChange
		*d = *emptyDiagnostics()
		d.LastStateChange = last
	})
}

package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSignal is returned for codes that map to no event.
var ErrUnknownSignal = errors.New("plugin: unknown signal")

// SignalCode names an asynchronous notification from the plugin.
type SignalCode string

const (
	SignalOffline     SignalCode = "offline"
	SignalShutdown    SignalCode = "shutdown"
	SignalConfigured  SignalCode = "configured"
	SignalSynced      SignalCode = "synced"
	SignalRestored    SignalCode = "restored"
	SignalConsistency SignalCode = "consistency"
	SignalError       SignalCode = "error"
)

var signalCodes = []SignalCode{
	SignalOffline,
	SignalShutdown,
	SignalConfigured,
	SignalSynced,
	SignalRestored,
	SignalConsistency,
	SignalError,
}

// ParseSignal resolves a code case-insensitively.
func ParseSignal(s string) (SignalCode, error) {
	for _, c := range signalCodes {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSignal, s)
}

// Signaler receives notifications from a plugin.
type Signaler interface {
	Signal(code SignalCode, message string) error
}

// SignalAware is implemented by plugins that emit signals.
type SignalAware interface {
	BindSignaler(s Signaler)
}

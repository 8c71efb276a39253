package fsm

// Version information for the fsm module.
const (
	// Version is the current version of the fsm module.
	Version = "1.0.0"

	// MinCompatibleVersion is the minimum version that is compatible with this version.
	MinCompatibleVersion = "1.0.0"
)

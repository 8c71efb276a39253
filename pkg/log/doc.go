// Package log provides the logging abstraction used by the replicator.
//
// The controller, its dispatcher and every adapter log through the Logger
// interface so that embedding applications can route replicator output into
// their own logging stack. A zerolog-backed adapter and a no-op logger are
// provided.
//
// # Usage
//
// Log to stderr through zerolog at a given level:
//
//	logger, err := log.NewZerologAdapter("info")
//
// Or wrap an existing zerolog.Logger:
//
//	logger := log.NewZerologAdapterWithLogger(zl)
//
// Attach fields that every subsequent line carries:
//
//	dispatcherLog := logger.With(log.String("component", "dispatcher"))
//
// # Version
//
// Current version: 1.1.0
// Minimum compatible version: 1.1.0
//
// See version.go for version constants that can be used programmatically.
package log

// Package fs provides file-backed adapters: the TOML property store read by
// the controller at start and on reconfiguration.
package fs

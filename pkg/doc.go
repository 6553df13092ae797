// Package pkg provides shared utilities for the softdfu bootloader engine.
//
// This package contains common functionality used across the control
// engine, the transport bindings, and the command-line tools:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for control transfer and DFU protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with engine-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentControl, "setup received", "key", key)
//
// # Errors
//
// Protocol errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrInvalidRequest) {
//	    // Request was refused before any hardware was armed
//	}
package pkg

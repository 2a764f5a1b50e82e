// Package log provides structured protocol logging for the secure
// transport core.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at the TCP connection engine, the (D)TLS session
// engine, and the cloud manager. It is separate from operational logging
// (slog) - protocol capture provides a complete machine-readable event
// trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Logger, _ = log.NewFileLogger("/var/log/ocsession/device.clog")
//
//	// Both: use MultiLogger
//	fileLogger, _ := log.NewFileLogger("/var/log/ocsession/device.clog")
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: raw TCP frame bytes (FrameEvent)
//   - Secure: (D)TLS peer state transitions and close-notify (StateChangeEvent, ControlMsgEvent)
//   - Cloud: sign-up/sign-in/publish/ping state transitions (StateChangeEvent)
//
// Retries (TCP connect, cloud sign-up/sign-in/ping) and errors have
// dedicated event types.
//
// # File Format
//
// Log files use CBOR encoding. Use Reader to stream events back out,
// optionally filtered.
package log

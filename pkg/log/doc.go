// Package log captures the traffic of virtual serial sessions.
//
// Capture is separate from operational logging (slog). Every line the host
// writes, every line the session answers, and every connection or activity
// change is recorded as an Event, giving a complete machine-readable trace
// of a session for debugging host compatibility problems.
//
// # Basic Usage
//
//	// Console, during development
//	cfg.Capture = log.NewSlogAdapter(slog.Default())
//
//	// File, replayable with dremel-log
//	fl, _ := log.NewFileLogger("/var/log/dremel/serial.dlog")
//	cfg.Capture = fl
//
//	// Both
//	cfg.Capture = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with integer keys,
// conventionally named *.dlog.
package log

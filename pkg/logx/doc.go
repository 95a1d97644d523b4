// Package logx is pgonotify's logging layer: a small value-type Logger over
// zerolog with typed Field helpers.
//
// A Service built from Config owns the sinks: a human-readable console
// writer, an optional JSON log file (truncated per run by default) and an
// optional mirror that forwards warnings and errors to an operator chat
// through the same Sender used for notifications.
package logx

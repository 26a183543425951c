// Package logging assembles structured slog loggers and formatting helpers used
// across kiln.
//
// It owns the console and JSON handlers, centralizes level and output plumbing
// (rotated log files for the daemon), and exposes context-aware helpers so the
// scheduler and daemon tag log lines with run IDs, task IDs, and correlation
// IDs. A no-op logger is provided for tests and wiring code that cannot fail.
package logging

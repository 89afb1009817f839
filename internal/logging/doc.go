// Package logging assembles the structured slog loggers used across vdevd.
//
// It owns the console and JSON handlers, level parsing and output plumbing, and the
// attribute helpers that keep field names consistent between the daemon, the work
// queue, the action engine and the OS backends. Use NewNop in tests and in wiring
// code that must not fail.
package logging

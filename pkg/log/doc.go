// Package log wraps zerolog to provide the daemon's structured
// logging: a global logger initialized once via Init, and
// component/field-scoped child loggers for each subsystem.
package log

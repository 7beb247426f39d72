// Package dispatch implements the E component: the daemon's single
// request-processing loop over the wire protocol (spec §4.5). It owns
// the idle/shutdown decisions, the command table, and the per-iteration
// reaper pass, dispatching every request into pkg/registry's public
// operations (spec §4.4).
package dispatch

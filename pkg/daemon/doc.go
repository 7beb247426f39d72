// Package daemon implements the F component: startup/handoff (spec
// §4.6). It provisions the two named-pipe endpoints, decides whether
// the process was launched directly or handed FIFO descriptors by a
// supervisor, daemonizes in the direct case, locks the pidfile, wires
// process-wide signal handling, and drives the --restart sibling
// protocol.
package daemon

// Package plugin implements the A component: a reference-counted
// registry of dynamically loaded event-handling plugins, keyed by
// name. It holds a notional lease on the kernel control device while
// any plugin is loaded and releases it when the registry empties.
package plugin

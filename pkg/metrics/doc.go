// Package metrics defines the daemon's Prometheus metrics (workers by
// state, plugin reference counts, dispatch and scheduler timings),
// a polling Collector that keeps gauge metrics in sync with the
// registry and plugin registry, and an HTTP health/readiness surface.
package metrics

package metrics

import "time"

// RegistrySnapshotter is satisfied by pkg/registry's Registry: it
// reports worker counts by lifecycle state for periodic gauge updates.
type RegistrySnapshotter interface {
	StateCounts() map[string]int
}

// PluginSnapshotter is satisfied by pkg/plugin's Registry: it reports
// the loaded-plugin set and their reference counts.
type PluginSnapshotter interface {
	RefCounts() map[string]int32
}

// Collector periodically snapshots the registry and plugin registry
// into the corresponding gauges, since neither updates them inline on
// every mutation.
type Collector struct {
	registry RegistrySnapshotter
	plugins  PluginSnapshotter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling at the given interval.
func NewCollector(registry RegistrySnapshotter, plugins PluginSnapshotter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: registry,
		plugins:  plugins,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.registry != nil {
		for state, count := range c.registry.StateCounts() {
			WorkersByState.WithLabelValues(state).Set(float64(count))
		}
	}
	if c.plugins != nil {
		refs := c.plugins.RefCounts()
		PluginsLoaded.Set(float64(len(refs)))
		for name, count := range refs {
			PluginRefCount.WithLabelValues(name).Set(float64(count))
		}
	}
}

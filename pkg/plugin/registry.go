package plugin

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/dmeventd/pkg/types"
)

// ControlHold models the daemon's hold on the kernel control device:
// acquired when the plugin registry becomes non-empty, released when
// it empties (spec §4.1).
type ControlHold interface {
	Acquire() error
	Release() error
}

// NoopControlHold is used where the caller does not need the hold
// tracked (e.g. most unit tests).
type NoopControlHold struct{}

func (NoopControlHold) Acquire() error { return nil }
func (NoopControlHold) Release() error { return nil }

// Registry is the A component: reference-counted plugins keyed by
// name. All methods lock internally; callers do not need to hold any
// outer mutex. In the running daemon pkg/registry calls Load and
// Acquire while holding the shared global mutex; a worker's cleanup
// calls Release after dropping that mutex, and the dispatcher's idle
// check calls IdleSince without it.
type Registry struct {
	mu        sync.Mutex
	plugins   map[string]*types.PluginDescriptor
	loader    Loader
	hold      ControlHold
	dir       string
	idleSince time.Time
}

// NewRegistry creates an empty plugin registry. dir is prefixed onto a
// bare plugin name to form its shared-object path; pass "" to treat
// names as already-complete paths.
func NewRegistry(loader Loader, hold ControlHold, dir string) *Registry {
	if hold == nil {
		hold = NoopControlHold{}
	}
	return &Registry{
		plugins:   make(map[string]*types.PluginDescriptor),
		loader:    loader,
		hold:      hold,
		dir:       dir,
		idleSince: time.Now(),
	}
}

func (r *Registry) pathFor(name string) string {
	if r.dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.dir, name)
}

// Lookup returns the descriptor for name if already loaded.
func (r *Registry) Lookup(name string) (*types.PluginDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.plugins[name]
	return d, ok
}

// Load opens name's shared object if not already loaded, resolving
// its three ABI entry points, and links a zero-refcounted descriptor
// into the registry. If the registry was previously empty, it asserts
// the kernel control-device hold and clears the idle timestamp (spec
// §4.1 Load).
func (r *Registry) Load(name string) (*types.PluginDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.plugins[name]; ok {
		return d, nil
	}

	register, process, unregister, err := r.loader.Load(r.pathFor(name))
	if err != nil {
		return nil, err
	}

	wasEmpty := len(r.plugins) == 0
	d := &types.PluginDescriptor{
		Name:       name,
		Path:       r.pathFor(name),
		Register:   register,
		Process:    process,
		Unregister: unregister,
	}
	r.plugins[name] = d

	if wasEmpty {
		if err := r.hold.Acquire(); err != nil {
			delete(r.plugins, name)
			return nil, fmt.Errorf("plugin: acquire control device: %w", err)
		}
		r.idleSince = time.Time{}
	}

	return d, nil
}

// Acquire increments d's reference count.
func (r *Registry) Acquire(d *types.PluginDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.RefCount++
}

// Release decrements d's reference count, unlinking and discarding it
// once it reaches zero. If the registry then empties, the control
// device hold is released and the idle timestamp is set to now (spec
// §4.1 Release).
func (r *Registry) Release(d *types.PluginDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d.RefCount--
	if d.RefCount > 0 {
		return
	}

	delete(r.plugins, d.Name)
	if len(r.plugins) == 0 {
		_ = r.hold.Release()
		r.idleSince = time.Now()
	}
}

// IdleSince reports when the registry last became empty, or the zero
// time if it currently holds at least one plugin.
func (r *Registry) IdleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleSince
}

// RefCounts reports each loaded plugin's current reference count, for
// pkg/metrics's Collector.
func (r *Registry) RefCounts() map[string]int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int32, len(r.plugins))
	for name, d := range r.plugins {
		out[name] = int32(d.RefCount)
	}
	return out
}

package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dmeventd/pkg/kernelwait"
	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/metrics"
	"github.com/cuemby/dmeventd/pkg/plugin"
	"github.com/cuemby/dmeventd/pkg/scheduler"
	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/cuemby/dmeventd/pkg/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by the lookup operations when no worker
// matches the given device UUID.
var ErrNotFound = errors.New("registry: device not registered")

// DefaultTimeout is used for a fresh registration that does not
// specify one (spec §6.1 encodes an unset timeout field as "-").
const DefaultTimeout = 10 * time.Second

type shutdownPhase int32

const (
	shutdownNone shutdownPhase = iota
	shutdownSignaled
	shutdownScheduled
)

// DaemonInfo answers the daemonization-related fields of
// GET_PARAMETERS; it is populated once by the startup/handoff
// component after it decides how it was launched.
type DaemonInfo struct {
	PID          int
	Daemonized   bool
	Supervised   bool
	ExitSentinel string
}

// Config bundles Registry's collaborators (spec §4.4).
type Config struct {
	Plugins       *plugin.Registry
	Scheduler     *scheduler.Scheduler
	Resolver      kernelwait.Waiter
	WaiterFactory kernelwait.Factory
	GraceFunc     func() time.Duration
	DefaultTimeout time.Duration
	Kick          func()
}

// Registry is the D component: the active and unused worker tables,
// the global mutex both they and the device workers share, and the
// operations that run under it (spec §4.4). It implements
// worker.Hooks, so workers drive their own table membership through
// the Registry without pkg/worker importing this package.
type Registry struct {
	mu sync.Mutex

	active map[string]*worker.Worker
	unused []*worker.Worker
	order  []*worker.Worker

	plugins       *plugin.Registry
	scheduler     *scheduler.Scheduler
	resolver      kernelwait.Waiter
	waiterFactory kernelwait.Factory
	graceFunc     func() time.Duration
	defaultTimeout time.Duration
	kick          func()

	shutdownState atomic.Int32

	info   DaemonInfo
	logger zerolog.Logger
}

// New creates an empty registry. The caller must call SetDaemonInfo
// once startup/handoff has decided how the daemon was launched.
func New(cfg Config) *Registry {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		active:         make(map[string]*worker.Worker),
		plugins:        cfg.Plugins,
		scheduler:      cfg.Scheduler,
		resolver:       cfg.Resolver,
		waiterFactory:  cfg.WaiterFactory,
		graceFunc:      cfg.GraceFunc,
		defaultTimeout: timeout,
		kick:           cfg.Kick,
		logger:         log.WithComponent("registry"),
	}
}

// SetDaemonInfo records the daemonization details answered by
// GET_PARAMETERS.
func (r *Registry) SetDaemonInfo(info DaemonInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
}

// RegisterForEvent implements spec §4.4 Register-for-event.
func (r *Registry) RegisterForEvent(pluginName, uuid string, eventsAdd types.EventMask, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.active[uuid]; ok {
		return r.addEvents(w, eventsAdd, timeout)
	}
	if w := r.findReusable(uuid, pluginName); w != nil {
		r.logger.Debug().Str("device_uuid", uuid).Str("worker_instance", w.InstanceID).Msg("device already monitored, reusing grace-period worker")
		return r.addEvents(w, eventsAdd, timeout)
	}
	return r.createWorker(pluginName, uuid, eventsAdd, timeout)
}

// UnregisterForEvent implements spec §4.4 Unregister-for-event.
func (r *Registry) UnregisterForEvent(uuid string, eventsRemove types.EventMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.active[uuid]
	if !ok {
		return ErrNotFound
	}
	return r.applyFilter(w, w.Events()&^eventsRemove)
}

// SetTimeout implements spec §4.4 Set-timeout.
func (r *Registry) SetTimeout(uuid string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.active[uuid]
	if !ok {
		return ErrNotFound
	}
	w.SetTimeout(timeout)
	if w.Events().HasTimeout() {
		r.scheduler.SetTimeout(uuid, timeout)
	}
	return nil
}

// GetTimeout implements spec §4.4 Get-timeout.
func (r *Registry) GetTimeout(uuid string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.active[uuid]
	if !ok {
		return 0, ErrNotFound
	}
	return w.Timeout(), nil
}

// GetRegisteredDevice implements spec §4.4 Get registered device. An
// empty pluginName or uuid is treated as "don't filter on this field".
func (r *Registry) GetRegisteredDevice(pluginName, uuid string) (types.RegisteredDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := r.scan(pluginName, uuid)
	if len(matches) == 0 {
		return types.RegisteredDevice{}, ErrNotFound
	}
	return describe(matches[0]), nil
}

// GetNextRegisteredDevice implements spec §4.4 Get-next registered
// device: traversal starts immediately after afterUUID and filters by
// plugin name only.
func (r *Registry) GetNextRegisteredDevice(pluginName, afterUUID string) (types.RegisteredDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := r.scan(pluginName, "")
	for i, w := range matches {
		if w.UUID != afterUUID {
			continue
		}
		if i+1 < len(matches) {
			return describe(matches[i+1]), nil
		}
		return types.RegisteredDevice{}, ErrNotFound
	}
	return types.RegisteredDevice{}, ErrNotFound
}

// GetStatus implements spec §4.4 Get-status.
func (r *Registry) GetStatus() []types.RegisteredDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := r.scan("", "")
	out := make([]types.RegisteredDevice, len(matches))
	for i, w := range matches {
		out[i] = describe(w)
	}
	return out
}

// GetParameters implements spec §4.4 Get-parameters.
func (r *Registry) GetParameters() types.DaemonParams {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := ""
	if since := r.plugins.IdleSince(); !since.IsZero() {
		idle = time.Since(since).String()
	}
	return types.DaemonParams{
		PID:          r.info.PID,
		Daemonized:   r.info.Daemonized,
		Supervised:   r.info.Supervised,
		ExitSentinel: r.info.ExitSentinel,
		IdleFor:      idle,
	}
}

// IdleSince reports when the plugin registry last emptied, or the zero
// time if at least one plugin is currently loaded (spec §4.5 step 1,
// the dispatcher's idle check).
func (r *Registry) IdleSince() time.Time {
	return r.plugins.IdleSince()
}

// ForceUnregisterAll clears every active worker's filter, used by DIE
// handling and the exit-sentinel check (spec §4.5 step 2, §4.6).
func (r *Registry) ForceUnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.active {
		_ = r.applyFilter(w, 0)
	}
}

// SignalShutdown marks the shutdown state "signaled" unless it is
// already past that point; idempotent (spec §4.6 Signals).
func (r *Registry) SignalShutdown() {
	r.shutdownState.CompareAndSwap(int32(shutdownNone), int32(shutdownSignaled))
}

// ScheduleShutdown transitions the shutdown state to "scheduled"
// (spec §4.5 step 2).
func (r *Registry) ScheduleShutdown() {
	r.shutdownState.Store(int32(shutdownScheduled))
}

// ShutdownSignaled reports whether a shutdown has been signaled but
// not yet scheduled by the dispatcher.
func (r *Registry) ShutdownSignaled() bool {
	return shutdownPhase(r.shutdownState.Load()) == shutdownSignaled
}

// ShuttingDown implements worker.Hooks: any phase past "none" counts
// (both workers and the reaper treat signaled and scheduled alike).
func (r *Registry) ShuttingDown() bool {
	return shutdownPhase(r.shutdownState.Load()) != shutdownNone
}

// MoveToUnused implements worker.Hooks. Called by a worker's own
// goroutine while already holding the shared mutex; idempotent, since
// cleanup calls it a second time for a worker that entered GRACE_PERIOD
// earlier in its life.
func (r *Registry) MoveToUnused(w *worker.Worker) {
	delete(r.active, w.UUID)
	for _, u := range r.unused {
		if u == w {
			return
		}
	}
	r.unused = append(r.unused, w)
}

// RemoveFromScheduler implements worker.Hooks.
func (r *Registry) RemoveFromScheduler(uuid string) {
	r.scheduler.Cancel(uuid)
}

// KickDispatcher implements worker.Hooks.
func (r *Registry) KickDispatcher() {
	if r.kick != nil {
		r.kick()
	}
}

// Reap performs one bounded pass of the §4.5a reaper: it inspects only
// the head of the unused table, so a single dispatcher loop iteration
// does at most one unlink-and-join.
func (r *Registry) Reap() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperPassDuration)

	r.mu.Lock()
	if len(r.unused) == 0 {
		r.mu.Unlock()
		return
	}
	head := r.unused[0]
	status := head.Status()

	switch status {
	case types.StatusDone:
		r.unused = r.unused[1:]
		r.pruneOrder(head)
		r.mu.Unlock()
		<-head.Done()
	case types.StatusGracePeriod:
		shuttingDown := r.ShuttingDown()
		if shuttingDown {
			head.WakeGrace()
		} else if err := head.Wake(); err != nil {
			r.logger.Debug().Err(err).Str("device_uuid", head.UUID).Msg("reaper wake signal did not reach a grace-period worker")
		}
		r.mu.Unlock()
	default:
		if err := head.Wake(); err != nil {
			r.logger.Debug().Err(err).Str("device_uuid", head.UUID).Msg("reaper wake signal did not reach a worker")
		}
		r.mu.Unlock()
	}
}

func (r *Registry) pruneOrder(w *worker.Worker) {
	for i, u := range r.order {
		if u == w {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// StateCounts implements pkg/metrics.RegistrySnapshotter.
func (r *Registry) StateCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{
		types.StatusRegistering.String():  0,
		types.StatusRunning.String():      0,
		types.StatusGracePeriod.String():  0,
		types.StatusDone.String():         0,
	}
	for _, w := range r.active {
		counts[w.Status().String()]++
	}
	for _, w := range r.unused {
		counts[w.Status().String()]++
	}
	return counts
}

func (r *Registry) createWorker(pluginName, deviceUUID string, events types.EventMask, timeout time.Duration) error {
	desc, err := r.plugins.Load(pluginName)
	if err != nil {
		return fmt.Errorf("registry: load plugin %s: %w", pluginName, err)
	}
	r.plugins.Acquire(desc)

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	waiter, err := r.waiterFactory()
	if err != nil {
		r.plugins.Release(desc)
		return fmt.Errorf("registry: open kernel wait handle: %w", err)
	}

	instanceID := uuid.NewString()
	w := worker.New(deviceUUID, instanceID, events, r.pluginFor(desc), waiter, r, &r.mu, timeout, r.graceFunc)
	r.active[deviceUUID] = w
	r.order = append(r.order, w)

	if events.HasTimeout() {
		r.scheduler.Register(deviceUUID, w, timeout)
	}

	metrics.FreshRegistrationsTotal.Inc()
	go w.Run()
	return nil
}

func (r *Registry) addEvents(w *worker.Worker, eventsAdd types.EventMask, timeout time.Duration) error {
	if timeout > 0 {
		w.SetTimeout(timeout)
	}
	return r.applyFilter(w, w.Events()|eventsAdd)
}

// applyFilter is the update protocol (spec §4.4). Callers must hold
// the shared mutex.
func (r *Registry) applyFilter(w *worker.Worker, newFilter types.EventMask) error {
	if newFilter == w.Events() {
		return nil
	}

	willReuse := w.Status() == types.StatusGracePeriod && (newFilter != 0 || r.ShuttingDown())
	if willReuse {
		r.relinkToActive(w)
		metrics.GraceReusesTotal.Inc()
	}

	// move before signal: the relink above has already happened under
	// this same mutex hold, before UpdateFilter sets status and signals.
	w.UpdateFilter(newFilter)

	if newFilter.HasTimeout() {
		r.scheduler.Register(w.UUID, w, w.Timeout())
	} else {
		r.scheduler.Cancel(w.UUID)
	}
	return nil
}

func (r *Registry) relinkToActive(w *worker.Worker) {
	for i, u := range r.unused {
		if u == w {
			r.unused = append(r.unused[:i], r.unused[i+1:]...)
			break
		}
	}
	r.active[w.UUID] = w
}

func (r *Registry) findReusable(uuid, pluginName string) *worker.Worker {
	for _, w := range r.unused {
		if w.UUID != uuid || w.Status() != types.StatusGracePeriod || w.Plugin.Name != pluginName {
			continue
		}
		fresh, _, err := r.resolver.Resolve(uuid)
		if err != nil || fresh.Inode != w.Device().Inode {
			continue
		}
		return w
	}
	return nil
}

func (r *Registry) isListable(w *worker.Worker) bool {
	if _, ok := r.active[w.UUID]; ok {
		return true
	}
	return w.Status() != types.StatusGracePeriod
}

// scan returns, in creation order, every listable worker matching the
// given non-empty filters (spec §4.4 Get/Get-next registered device).
func (r *Registry) scan(pluginName, uuid string) []*worker.Worker {
	var out []*worker.Worker
	for _, w := range r.order {
		if !r.isListable(w) {
			continue
		}
		if pluginName != "" && w.Plugin.Name != pluginName {
			continue
		}
		if uuid != "" && w.UUID != uuid {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (r *Registry) pluginFor(d *types.PluginDescriptor) worker.Plugin {
	return worker.Plugin{
		Name:       d.Name,
		Register:   d.Register,
		Process:    d.Process,
		Unregister: d.Unregister,
		Release:    func() { r.plugins.Release(d) },
	}
}

func describe(w *worker.Worker) types.RegisteredDevice {
	return types.RegisteredDevice{
		PluginName: w.Plugin.Name,
		DeviceUUID: w.UUID,
		Events:     w.Events(),
		Timeout:    int(w.Timeout().Seconds()),
	}
}

package worker

import (
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/dmeventd/pkg/kernelwait"
	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/sigwake"
	"github.com/cuemby/dmeventd/pkg/types"
)

// Hooks lets the registry (D) observe and drive a worker's table
// membership without pkg/worker importing pkg/registry, which in turn
// must import pkg/worker to spawn these goroutines.
type Hooks interface {
	// MoveToUnused relinks w into the unused table. Called by w's own
	// goroutine while holding the shared mutex, both on entry to
	// GRACE_PERIOD and from the cleanup handler.
	MoveToUnused(w *Worker)
	// RemoveFromScheduler cancels any pending timeout registration
	// for uuid. Safe to call even if none exists.
	RemoveFromScheduler(uuid string)
	// ShuttingDown reports whether process-wide shutdown has begun.
	ShuttingDown() bool
	// KickDispatcher signals the process so the dispatcher's FIFO
	// poll wakes promptly to observe shutdown progress (spec §4.3c).
	KickDispatcher()
}

// Plugin is the subset of a loaded plugin descriptor a worker invokes
// directly, plus the release callback for its refcount.
type Plugin struct {
	Name       string
	Register   types.RegisterFunc
	Process    types.ProcessFunc
	Unregister types.UnregisterFunc
	Release    func()
}

// Worker is the C component: the device-monitoring state machine
// described by spec §3/§4.3. A Worker is created once per device-UUID
// registration and is never reused across plugin reloads.
type Worker struct {
	UUID   string
	Plugin Plugin

	// InstanceID disambiguates this goroutine's lifetime from any
	// earlier or later worker created for the same device UUID (a
	// grace-period timeout or a plugin reload both retire one
	// instance and create another); it has no protocol meaning and
	// exists only to correlate log lines.
	InstanceID string

	waiter    kernelwait.Waiter
	hooks     Hooks
	graceFunc func() time.Duration

	mu   *sync.Mutex
	cond *sync.Cond

	status  types.WorkerStatus
	events  types.EventMask
	current types.EventMask
	timeout time.Duration

	processing bool
	pending    bool
	useCount   int
	woken      bool

	threadID sigwake.ThreadID

	device types.Device
	task   *types.WaitTask
	state  interface{}

	done chan struct{}
}

// New creates a worker in the REGISTERING state with the client's
// requested event filter, sharing mu with the registry's other
// workers (spec §4.3 Creation). Run must be called to start its
// goroutine.
func New(uuid, instanceID string, events types.EventMask, plugin Plugin, waiter kernelwait.Waiter, hooks Hooks, mu *sync.Mutex, timeout time.Duration, graceFunc func() time.Duration) *Worker {
	w := &Worker{
		UUID:       uuid,
		InstanceID: instanceID,
		Plugin:     plugin,
		waiter:     waiter,
		hooks:      hooks,
		graceFunc:  graceFunc,
		mu:         mu,
		cond:       sync.NewCond(mu),
		status:     types.StatusRegistering,
		events:     events,
		timeout:    timeout,
		processing: true,
		done:       make(chan struct{}),
	}
	return w
}

// Status returns the worker's current lifecycle state. Callers must
// hold the shared mutex.
func (w *Worker) Status() types.WorkerStatus { return w.status }

// Events returns the worker's current filter. Callers must hold the
// shared mutex.
func (w *Worker) Events() types.EventMask { return w.events }

// Device returns the worker's resolved device identity. Populated
// only after Resolve succeeds; callers must hold the shared mutex.
func (w *Worker) Device() types.Device { return w.device }

// Timeout returns the worker's configured timeout. Callers must hold
// the shared mutex.
func (w *Worker) Timeout() time.Duration { return w.timeout }

// SetTimeout updates the worker's timeout field (spec §4.4
// Set-timeout). Callers must hold the shared mutex.
func (w *Worker) SetTimeout(d time.Duration) { w.timeout = d }

// Done reports when the worker has reached the DONE state.
func (w *Worker) Done() <-chan struct{} { return w.done }

// WakeGrace broadcasts the grace-period condition variable without
// otherwise altering worker state, forcing a worker waiting out its
// grace period to recheck shutdown and exit early (spec §4.5a
// reaper, shutdown branch). Callers must hold the shared mutex.
func (w *Worker) WakeGrace() { w.cond.Broadcast() }

// ReadyForWake implements scheduler.Entry: a timeout tick may only
// interrupt a worker that is RUNNING and not currently inside a
// plugin call (spec §4.2 step 2). Locks the shared mutex itself since
// the scheduler calls it outside any lock.
func (w *Worker) ReadyForWake() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == types.StatusRunning && !w.processing
}

// Wake implements scheduler.Entry: delivers the directed interrupt
// signal to the worker's OS thread.
func (w *Worker) Wake() error {
	w.mu.Lock()
	w.woken = true
	tid := w.threadID
	w.mu.Unlock()
	return sigwake.Wake(tid)
}

// UpdateFilter applies the registry's update protocol to this worker
// (spec §4.4 "Update protocol"). Callers must hold the shared mutex.
// It returns true if the worker left GRACE_PERIOD for reuse and its
// condition variable was signalled. The registry relinks the worker
// into the active table before calling UpdateFilter ("move before
// signal").
func (w *Worker) UpdateFilter(newFilter types.EventMask) (movedToActive bool) {
	if newFilter == w.events {
		return false
	}
	w.events = newFilter
	w.pending = true

	becameNonEmpty := newFilter != 0
	if (becameNonEmpty || w.hooks.ShuttingDown()) && w.status == types.StatusGracePeriod {
		w.status = types.StatusRegistering
		w.cond.Signal()
		return true
	}

	if !w.processing {
		if err := sigwake.Wake(w.threadID); err != nil {
			w.events = 0
		}
	}
	return false
}

// Run is the worker's goroutine body (spec §4.3 Main loop). It must
// be launched with `go w.Run()`.
func (w *Worker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sigwake.Install()

	defer close(w.done)
	defer w.cleanup()

	w.mu.Lock()
	w.threadID = sigwake.CurrentThreadID()
	w.mu.Unlock()

	device, task, err := w.waiter.Resolve(w.UUID)
	if err != nil {
		log.WithComponent("worker").Warn().Err(err).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("resolve failed, aborting before registration")
		return
	}
	w.mu.Lock()
	w.device = device
	w.task = task
	w.mu.Unlock()

	state, err := w.Plugin.Register(device.Name, device.UUID, device.Major, device.Minor)
	if err != nil {
		log.WithComponent("worker").Warn().Err(err).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("register_device failed")
		return
	}
	w.mu.Lock()
	w.state = state
	w.status = types.StatusRunning
	w.mu.Unlock()

	w.mainLoop()
}

func (w *Worker) mainLoop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.events != 0 {
		w.status = types.StatusRunning
		w.processing = false
		w.useCount++

		fatal := w.serviceEvents()

		graceDisabled := w.graceFunc() <= 0
		if graceDisabled || w.current != 0 || w.hooks.ShuttingDown() || fatal {
			break
		}

		w.woken = false
		w.status = types.StatusGracePeriod
		w.hooks.MoveToUnused(w)

		deadline := time.Now().Add(w.graceFunc())
		w.waitGraceWithDeadline(deadline)
	}
}

// serviceEvents is the event-servicing inner loop (spec §4.3a). The
// shared mutex is held on entry and on return; it is dropped around
// the plugin call and the kernel wait.
func (w *Worker) serviceEvents() (fatal bool) {
	for w.events != 0 {
		if w.current&w.events != 0 {
			w.processing = true
			task, events, state := w.task, w.current, w.state
			w.mu.Unlock()

			newState, err := w.Plugin.Process(state, task, events)

			w.mu.Lock()
			if err != nil {
				log.WithComponent("worker").Warn().Err(err).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("process_event returned an error")
			}
			w.state = newState
			w.current = 0
			w.processing = false

			if w.woken {
				break
			}
			continue
		}

		task := w.task
		w.mu.Unlock()

		mask, unblockErr := sigwake.Unblock()
		if unblockErr != nil {
			log.WithComponent("worker").Error().Err(unblockErr).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("failed to unblock wake signal before kernel wait")
		}
		outcome, events, err := w.waiter.Wait(task)
		if unblockErr == nil {
			if restoreErr := sigwake.Restore(mask); restoreErr != nil {
				log.WithComponent("worker").Error().Err(restoreErr).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("failed to restore signal mask after kernel wait")
			}
		}

		w.mu.Lock()
		switch outcome {
		case kernelwait.OutcomeRetry:
			w.mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			w.mu.Lock()
		case kernelwait.OutcomeInterrupted:
			w.current |= events
		case kernelwait.OutcomeFatal:
			if err != nil {
				log.WithComponent("worker").Error().Err(err).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("device vanished")
			}
			return true
		}
	}
	return false
}

// waitGraceWithDeadline waits on the worker's condition variable,
// associated with the shared mutex, until either woken or the
// deadline elapses (spec §4.3b). The mutex is held on entry and exit.
func (w *Worker) waitGraceWithDeadline(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()

	for w.status == types.StatusGracePeriod && time.Now().Before(deadline) && !w.hooks.ShuttingDown() {
		w.cond.Wait()
	}

	if w.status == types.StatusGracePeriod {
		// Deadline elapsed (or shutdown) without reuse: grace expires.
		w.events = 0
	}
}

// cleanup is the cleanup handler (spec §4.3c), run on every exit path
// from Run via defer.
func (w *Worker) cleanup() {
	w.mu.Lock()

	wasRegistering := w.status == types.StatusRegistering
	if w.status != types.StatusDone {
		w.hooks.MoveToUnused(w)
	}
	w.events = 0
	w.hooks.RemoveFromScheduler(w.UUID)

	plugin, device, state := w.Plugin, w.device, w.state
	shuttingDown := w.hooks.ShuttingDown()

	w.status = types.StatusDone
	w.mu.Unlock()

	if !wasRegistering && plugin.Unregister != nil {
		if err := plugin.Unregister(state, device.Name, device.UUID, device.Major, device.Minor); err != nil {
			log.WithComponent("worker").Warn().Err(err).Str("device_uuid", w.UUID).Str("worker_instance", w.InstanceID).Msg("unregister_device returned an error")
		}
	}
	if plugin.Release != nil {
		plugin.Release()
	}

	if shuttingDown {
		w.hooks.KickDispatcher()
	}
}

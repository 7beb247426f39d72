package kernelwait

import "github.com/cuemby/dmeventd/pkg/types"

// Outcome is the three-way result of a kernel wait (spec §4.3a).
type Outcome int

const (
	// OutcomeRetry is transient: the caller should back off briefly
	// without the global mutex before waiting again.
	OutcomeRetry Outcome = iota
	// OutcomeInterrupted means the wait returned with a real device
	// event or because the wake signal fired; Wait has already set
	// the appropriate bit on the returned events mask.
	OutcomeInterrupted
	// OutcomeFatal means the device vanished; the caller should leave
	// the event-servicing inner loop and run cleanup.
	OutcomeFatal
)

// Waiter is the seam between a device worker and the kernel ioctl
// boundary. Resolve populates a device's identity once at worker
// startup; Wait blocks until an event, a wake signal, or device
// disappearance; Status takes a non-blocking snapshot for
// timeout-driven process_event calls (spec §4.3, "Task selection").
type Waiter interface {
	Resolve(uuid string) (types.Device, *types.WaitTask, error)
	Wait(task *types.WaitTask) (Outcome, types.EventMask, error)
	Status(device types.Device) (*types.WaitTask, error)
	Close() error
}

// Factory creates a new Waiter. The registry calls it once per
// worker, so each device's goroutine owns an independent kernel
// handle. The registry's resolver for grace-period reuse matching is a
// separate Waiter passed in registry.Config.Resolver, not created
// through the Factory.
type Factory func() (Waiter, error)

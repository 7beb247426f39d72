// Package kernelwait wraps the device-mapper ioctl boundary: resolving
// a device's identity, blocking until an event arrives or the wait
// signal interrupts it, and taking a non-blocking status snapshot for
// timeout-driven handler calls. DMWaiter marshals a minimal subset of
// the device-mapper ioctl header itself (ioctl.go); Waiter is the seam
// a fake implementation replaces in tests.
package kernelwait

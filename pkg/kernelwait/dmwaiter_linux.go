//go:build linux

package kernelwait

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/dmeventd/pkg/types"
)

// DMWaiter is the real, ioctl-backed Waiter. It holds one open handle
// to the control device for the life of the worker that owns it.
type DMWaiter struct {
	fd int
}

// NewDMWaiter opens the device-mapper control device.
func NewDMWaiter() (*DMWaiter, error) {
	fd, err := openControl()
	if err != nil {
		return nil, err
	}
	return &DMWaiter{fd: fd}, nil
}

// Close releases the control device handle.
func (w *DMWaiter) Close() error {
	if w.fd < 0 {
		return nil
	}
	return syscall.Close(w.fd)
}

// Resolve runs the info ioctl for uuid, populating name/major/minor
// and the inode used later for grace-period reuse matching (spec
// §4.3 step 1, §4.4).
func (w *DMWaiter) Resolve(uuid string) (types.Device, *types.WaitTask, error) {
	h := newHeader("", uuid)
	if err := ioctl(w.fd, dmDevStatusCmd, &h); err != nil {
		return types.Device{}, nil, fmt.Errorf("kernelwait: resolve %s: %w", uuid, err)
	}
	major, minor := devtToMajorMinor(h.Dev)
	dev := types.Device{
		UUID:  uuid,
		Name:  cString(h.Name[:]),
		Major: major,
		Minor: minor,
	}
	dev.Inode = statInode(devicePath(dev.Name))
	task := &types.WaitTask{Device: dev, EventNr: uint64(h.EventNr)}
	return dev, task, nil
}

// Wait blocks on DM_DEV_WAIT for task's device until the next event
// arrives, the wake signal interrupts it (EINTR), or the device is
// gone. The caller is responsible for unblocking the wake signal on
// its own thread around this call (pkg/sigwake).
func (w *DMWaiter) Wait(task *types.WaitTask) (Outcome, types.EventMask, error) {
	h := newHeader(task.Device.Name, task.Device.UUID)
	h.EventNr = uint32(task.EventNr)

	err := ioctl(w.fd, dmDevWaitCmd, &h)
	if err == nil {
		task.EventNr = uint64(h.EventNr)
		return OutcomeInterrupted, types.EventDeviceError, nil
	}

	switch {
	case errors.Is(err, syscall.ENXIO):
		return OutcomeFatal, 0, fmt.Errorf("kernelwait: device %s disappeared", task.Device.Name)
	case errors.Is(err, syscall.EINTR):
		return OutcomeInterrupted, types.EventTimeout, nil
	default:
		return OutcomeRetry, 0, err
	}
}

// Status runs a non-blocking DM_DEV_STATUS snapshot, used to build
// the task handed to process_event on a timeout-driven call (spec
// §4.3, "Task selection for process_event").
func (w *DMWaiter) Status(device types.Device) (*types.WaitTask, error) {
	h := newHeader(device.Name, device.UUID)
	if err := ioctl(w.fd, dmDevStatusCmd, &h); err != nil {
		return nil, fmt.Errorf("kernelwait: status %s: %w", device.Name, err)
	}
	return &types.WaitTask{
		Device:      device,
		EventNr:     uint64(h.EventNr),
		FreshStatus: true,
	}, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func devtToMajorMinor(dev uint64) (uint32, uint32) {
	major := uint32((dev >> 8) & 0xfff)
	minor := uint32((dev & 0xff) | ((dev >> 12) & 0xfff00))
	return major, minor
}

func devicePath(name string) string {
	return "/dev/mapper/" + name
}

func statInode(path string) uint64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0
	}
	return st.Ino
}

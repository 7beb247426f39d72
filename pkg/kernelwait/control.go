//go:build linux

package kernelwait

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ControlHold implements plugin.ControlHold: it opens /dev/mapper/control
// once the plugin registry becomes non-empty, and closes it once the
// registry empties again (spec §4.1, §5 "shared-resource policy" —
// "the kernel control device is held open exactly while the plugin
// registry is non-empty"). Acquire/Release are counted and safe for
// concurrent callers; only the first Acquire opens the device and
// only the last matching Release closes it.
type ControlHold struct {
	mu    sync.Mutex
	count int
	fd    int
}

// Acquire opens the control device if this is the first outstanding
// hold.
func (h *ControlHold) Acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		fd, err := openControl()
		if err != nil {
			return err
		}
		h.fd = fd
	}
	h.count++
	return nil
}

// Release drops one outstanding hold, closing the control device once
// the count returns to zero.
func (h *ControlHold) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return fmt.Errorf("kernelwait: ControlHold released with no outstanding holds")
	}
	h.count--
	if h.count == 0 {
		return unix.Close(h.fd)
	}
	return nil
}

//go:build linux

package kernelwait

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal subset of the device-mapper control ioctl ABI (linux/dm-ioctl.h),
// covering only the header fields and commands this daemon needs: version
// negotiation, a blocking wait for the next event, and a non-blocking
// status snapshot. Target/table management is entirely out of this
// daemon's scope and is not represented here.
const (
	dmNameLen = 128
	dmUUIDLen = 129

	dmIoctlMagic = 0xfd

	dmVersionCmd   = 0x00
	dmDevStatusCmd = 0x07
	dmDevWaitCmd   = 0x08

	dmVersionMajor = 4
)

type dmIoctlHeader struct {
	Version    [3]uint32
	DataSize   uint32
	DataStart  uint32
	TargetCnt  uint32
	OpenCount  int32
	Flags      uint32
	EventNr    uint32
	Padding    uint32
	Dev        uint64
	Name       [dmNameLen]byte
	UUID       [dmUUIDLen]byte
	_          [7]byte // align Data to 8 bytes
}

func iowr(nr uintptr) uintptr {
	const (
		iocWrite    = 1
		iocRead     = 2
		sizeBits    = 14
		dirShift    = 30
		sizeShift   = 16
		typeShift   = 8
		sizeOfDMIoc = unsafe.Sizeof(dmIoctlHeader{})
	)
	dir := uintptr(iocWrite | iocRead)
	size := sizeOfDMIoc & ((1 << sizeBits) - 1)
	return dir<<dirShift | uintptr(size)<<sizeShift | uintptr(dmIoctlMagic)<<typeShift | nr
}

func newHeader(name, uuid string) dmIoctlHeader {
	var h dmIoctlHeader
	h.Version = [3]uint32{dmVersionMajor, 0, 0}
	h.DataSize = uint32(unsafe.Sizeof(h))
	copy(h.Name[:], name)
	copy(h.UUID[:], uuid)
	return h
}

func ioctl(fd int, nr uintptr, h *dmIoctlHeader) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), iowr(nr), uintptr(unsafe.Pointer(h)))
	if errno != 0 {
		return fmt.Errorf("kernelwait: ioctl %#x: %w", nr, errno)
	}
	return nil
}

func openControl() (int, error) {
	fd, err := unix.Open("/dev/mapper/control", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("kernelwait: open control device: %w", err)
	}
	return fd, nil
}

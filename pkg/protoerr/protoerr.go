// Package protoerr maps the daemon's internal error taxonomy (spec §7)
// onto the errno-style status codes carried in a reply frame's header
// (spec §6.1): a non-zero status means error, and the body carries
// "<id> <description>".
package protoerr

import (
	"errors"
	"syscall"
)

// Code is an errno-style status. Zero means success.
type Code int32

// Sentinel errors a handler can wrap or return directly; Of() maps
// them (and any wrapped syscall.Errno) to a wire Code.
var (
	ErrInvalidCommand  = errors.New("invalid command or malformed payload")
	ErrNoSuchDevice    = errors.New("no such device")
	ErrPluginLoad      = errors.New("plugin load failed")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Of returns the wire status code for err, or 0 for nil (success).
// Unrecognized errors map to EIO so the client still sees a failure
// rather than a false success.
func Of(err error) Code {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidCommand):
		return Code(syscall.EINVAL)
	case errors.Is(err, ErrNoSuchDevice):
		return Code(syscall.ENODEV)
	case errors.Is(err, ErrPluginLoad):
		return Code(syscall.ENOENT)
	case errors.Is(err, ErrOutOfMemory):
		return Code(syscall.ENOMEM)
	case errors.Is(err, ErrResourceExhausted):
		return Code(syscall.EAGAIN)
	case errors.Is(err, ErrVersionMismatch):
		return Code(syscall.EPROTO)
	default:
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return Code(errno)
		}
		return Code(syscall.EIO)
	}
}

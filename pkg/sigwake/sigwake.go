//go:build linux

package sigwake

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal is the wake signal delivered to a blocked worker thread.
const Signal = unix.SIGALRM

var installOnce sync.Once

// Install registers a process-wide no-op handler for Signal. Go
// terminates a process on an unhandled SIGALRM; since a worker only
// unblocks the signal on its own pinned thread for the span of a
// kernel wait, the process-wide disposition must already be "handled"
// before that unblock happens.
func Install() {
	installOnce.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.Signal(Signal))
		go func() {
			for range c {
			}
		}()
	})
}

// ThreadID identifies an OS thread, captured from a goroutine pinned
// to it with runtime.LockOSThread.
type ThreadID int32

// CurrentThreadID returns the calling thread's id. The caller must be
// running on a locked OS thread for the value to remain meaningful.
func CurrentThreadID() ThreadID {
	return ThreadID(unix.Gettid())
}

// Wake delivers Signal to tid, interrupting a blocking syscall there
// with EINTR once the thread has unblocked the signal via Unblock.
func Wake(tid ThreadID) error {
	return unix.Tgkill(unix.Getpid(), int(tid), syscall.Signal(Signal))
}

// Mask is a saved signal mask, returned by Unblock and consumed by
// Restore to reinstate the thread's prior blocking state.
type Mask unix.Sigset_t

func sigsetAdd(set *unix.Sigset_t, sig int) {
	word := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[word] |= 1 << bit
}

// Unblock unblocks Signal on the calling thread, returning the prior
// mask. Must run on the same locked OS thread that will perform the
// kernel wait; the signal should be reblocked with Restore as soon as
// the wait returns.
func Unblock() (Mask, error) {
	var set, old unix.Sigset_t
	sigsetAdd(&set, int(Signal))
	if err := unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, &old); err != nil {
		return Mask{}, err
	}
	return Mask(old), nil
}

// Restore reinstates a mask previously captured by Unblock.
func Restore(m Mask) error {
	old := unix.Sigset_t(m)
	return unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
}

package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// PIDFile is a locked, open pidfile. Lock must be released (by
// process exit, which closes the descriptor) for another instance to
// acquire it.
type PIDFile struct {
	f    *os.File
	path string
}

// ErrLocked is returned by LockPIDFile when another process already
// holds the lock (spec §6.5: distinct exit code for lockfile-in-use).
var ErrLocked = fmt.Errorf("daemon: pidfile already locked")

// LockPIDFile opens path, takes an exclusive non-blocking flock, and
// writes this process's pid into it. The file is left open for the
// life of the daemon; closing it (including on exit) releases the
// lock.
func LockPIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: open pidfile %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("daemon: lock pidfile %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, err
	}

	return &PIDFile{f: f, path: path}, nil
}

// Close releases the lock and closes the underlying descriptor. It
// does not unlink the pidfile; callers unlink explicitly once they
// have decided this instance owns cleanup (spec §5 "shared-resource
// policy").
func (p *PIDFile) Close() error {
	return p.f.Close()
}

// Unlink removes the pidfile from disk.
func (p *PIDFile) Unlink() error {
	err := os.Remove(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// WaitForInodeChange polls path at interval until its inode differs
// from before, or ctx is done, whichever comes first. It implements
// the --restart handoff's "waits for the pidfile to change inode"
// step (spec §4.6) via os.Stat + os.SameFile, the Go-idiomatic
// equivalent of comparing st_dev/st_ino, bounded so a wedged old
// instance can't hang the new one forever. A removed pidfile also
// counts as changed: the old instance is gone either way.
func WaitForInodeChange(ctx context.Context, path string, before os.FileInfo, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		after, err := os.Stat(path)
		if os.IsNotExist(err) || (err == nil && (before == nil || !os.SameFile(before, after))) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// reexecEnv marks a re-executed child as already detached, so it does
// not try to fork again.
const reexecEnv = "DMEVENTD_DAEMONIZED"

// Daemonize implements the detach (fork+setsid) step of the direct
// startup mode (spec §4.6); the pidfile and FIFOs are set up by the
// caller afterwards. Go cannot safely call
// fork(2) directly once the runtime has started extra OS threads, so
// detachment is done the idiomatic Go way: re-exec the same binary
// with the same arguments, in a new session, with stdio redirected to
// /dev/null, and let the parent exit once the child is launched.
//
// The caller invokes Daemonize before doing any other setup. If it
// returns (true, nil), the calling process is the original, unexecuted
// parent and should exit immediately. If it returns (false, nil), the
// calling process is already the detached child (either because it was
// just re-exec'd, or because the caller requested foreground mode) and
// should continue starting up in place.
func Daemonize(foreground bool) (isParent bool, err error) {
	if foreground || os.Getenv(reexecEnv) == "1" {
		os.Unsetenv(reexecEnv)
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("daemon: resolve executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("daemon: re-exec for daemonization: %w", err)
	}
	return true, nil
}

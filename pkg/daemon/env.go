package daemon

import (
	"os"
	"strconv"
)

// Environment variable names for the supervised-activation handshake
// (spec §4.6, §6.6). Names match the systemd socket-activation
// convention the original daemon piggybacks on.
const (
	EnvActivation = "SD_ACTIVATION"
	EnvListenPID  = "LISTEN_PID"
	EnvListenFDs  = "LISTEN_FDS"
)

// listenFDsStart is the first inherited descriptor number a supervisor
// hands off at (stdin/stdout/stderr occupy 0-2).
const listenFDsStart = 3

// Supervision describes a successfully validated supervised launch:
// the server and client FIFOs are already open on these descriptors.
type Supervision struct {
	ServerFD int
	ClientFD int
}

// DetectSupervised inspects the activation environment contract (spec
// §4.6: a sentinel equal to "1", a pid equal to this process's own
// pid, and a count equal to two) and reports whether it is satisfied.
// All three variables are unset before returning, regardless of
// outcome, so a child process never inherits a stale handoff.
func DetectSupervised() (Supervision, bool) {
	sentinel, pid, fds := os.Getenv(EnvActivation), os.Getenv(EnvListenPID), os.Getenv(EnvListenFDs)
	defer func() {
		os.Unsetenv(EnvActivation)
		os.Unsetenv(EnvListenPID)
		os.Unsetenv(EnvListenFDs)
	}()

	if sentinel != "1" {
		return Supervision{}, false
	}

	envPID, err := strconv.Atoi(pid)
	if err != nil || envPID != os.Getpid() {
		return Supervision{}, false
	}

	envFDs, err := strconv.Atoi(fds)
	if err != nil || envFDs != 2 {
		return Supervision{}, false
	}

	return Supervision{ServerFD: listenFDsStart, ClientFD: listenFDsStart + 1}, true
}

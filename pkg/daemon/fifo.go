package daemon

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cuemby/dmeventd/pkg/log"
)

// fifoMode is the mode every FIFO is enforced to. Only the FIFO files
// themselves are checked: their owner and their parent directories'
// owner and mode are not inspected or changed.
const fifoMode = 0o600

// EnsureFIFOs creates the two named pipes at paths.ServerFIFO and
// paths.ClientFIFO if absent, and replaces either one that exists but
// is not a correctly-moded FIFO (spec §6.2: "existing files with wrong
// attributes are replaced on startup").
func EnsureFIFOs(paths Paths) error {
	for _, p := range []string{paths.ServerFIFO, paths.ClientFIFO} {
		if err := ensureFIFO(p); err != nil {
			return fmt.Errorf("daemon: ensure fifo %s: %w", p, err)
		}
	}
	return nil
}

func ensureFIFO(path string) error {
	if err := replaceIfWrong(path); err != nil {
		return err
	}
	if err := syscall.Mkfifo(path, fifoMode); err != nil && !os.IsExist(err) {
		return err
	}
	return os.Chmod(path, fifoMode)
}

// replaceIfWrong removes path if it exists and is either not a FIFO or
// has a mode other than fifoMode, so the following Mkfifo starts over
// cleanly.
func replaceIfWrong(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeNamedPipe != 0 && fi.Mode().Perm() == fifoMode {
		return nil
	}
	log.WithComponent("daemon").Warn().Str("path", path).Msg("replacing FIFO with wrong attributes")
	return os.Remove(path)
}

// OpenServer opens the server FIFO read-write, which never blocks
// waiting for a peer to open the other end (the handshake a pure
// O_RDONLY/O_WRONLY open would otherwise require).
func OpenServer(paths Paths) (*os.File, error) {
	return os.OpenFile(paths.ServerFIFO, os.O_RDWR, fifoMode)
}

// OpenClient opens the client FIFO the same way as OpenServer.
func OpenClient(paths Paths) (*os.File, error) {
	return os.OpenFile(paths.ClientFIFO, os.O_RDWR, fifoMode)
}

// FromSupervision wraps the descriptors a supervisor already opened
// for us into *os.File values, named for debugging.
func FromSupervision(sup Supervision) (server, client *os.File) {
	server = os.NewFile(uintptr(sup.ServerFD), "dmeventd-server")
	client = os.NewFile(uintptr(sup.ClientFD), "dmeventd-client")
	return server, client
}

// DuplexConn pairs the server FIFO (requests arrive here) with the
// client FIFO (replies go out here) into the single bidirectional
// stream pkg/dispatch.Conn expects. The two pipes are physically
// distinct files; the daemon side never reads from the client FIFO or
// writes to the server FIFO, matching the protocol's client/server
// naming (spec §6.2).
type DuplexConn struct {
	Server *os.File
	Client *os.File
}

func (d DuplexConn) Read(p []byte) (int, error)  { return d.Server.Read(p) }
func (d DuplexConn) Write(p []byte) (int, error) { return d.Client.Write(p) }
func (d DuplexConn) SetReadDeadline(t time.Time) error {
	return d.Server.SetReadDeadline(t)
}

// Close closes both underlying files.
func (d DuplexConn) Close() error {
	err := d.Server.Close()
	if cerr := d.Client.Close(); err == nil {
		err = cerr
	}
	return err
}

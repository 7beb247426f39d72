package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/registry"
	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/cuemby/dmeventd/pkg/wire"
	"golang.org/x/sys/unix"
)

// restartClientTimeout bounds each round trip to the outgoing
// instance during a --restart handoff.
const restartClientTimeout = 5 * time.Second

// restartPollInterval is how often Handoff re-stats the pidfile while
// waiting for the outgoing instance to exit.
const restartPollInterval = 100 * time.Millisecond

// Handoff implements the --restart sibling protocol (spec §4.6): open
// the FIFOs of the already-running instance at paths as a client,
// fetch its current registrations via GET_STATUS, issue DIE, and wait
// for its pidfile to change inode or disappear. The caller replays the returned
// registrations into its own registry once it has taken over the
// FIFOs.
func Handoff(ctx context.Context, paths Paths) ([]types.RegisteredDevice, error) {
	logger := log.WithComponent("daemon")

	server, err := os.OpenFile(paths.ServerFIFO, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: restart: open server fifo: %w", err)
	}
	defer server.Close()

	// Exclusive flock on the server fifo serializes us against any
	// other client talking to the outgoing instance concurrently,
	// matching the original client library's handshake.
	if err := unix.Flock(int(server.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("daemon: restart: lock server fifo: %w", err)
	}
	defer unix.Flock(int(server.Fd()), unix.LOCK_UN)

	client, err := os.OpenFile(paths.ClientFIFO, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: restart: open client fifo: %w", err)
	}
	defer client.Close()

	before, _ := os.Stat(paths.PIDFile)

	devices, err := fetchRegistrations(server, client)
	if err != nil {
		return nil, fmt.Errorf("daemon: restart: fetch registrations: %w", err)
	}
	logger.Info().Int("count", len(devices)).Msg("fetched registrations from outgoing instance")

	if err := sendDie(server, client); err != nil {
		return nil, fmt.Errorf("daemon: restart: send DIE: %w", err)
	}

	if !WaitForInodeChange(ctx, paths.PIDFile, before, restartPollInterval) {
		return nil, fmt.Errorf("daemon: restart: outgoing instance did not release %s", paths.PIDFile)
	}

	return devices, nil
}

func roundTrip(server, client *os.File, req wire.Frame) (wire.Frame, error) {
	if err := server.SetWriteDeadline(time.Now().Add(restartClientTimeout)); err != nil {
		return wire.Frame{}, err
	}
	if err := wire.WriteFrame(server, req); err != nil {
		return wire.Frame{}, err
	}
	if err := client.SetReadDeadline(time.Now().Add(restartClientTimeout)); err != nil {
		return wire.Frame{}, err
	}
	return wire.ReadFrame(client)
}

func fetchRegistrations(server, client *os.File) ([]types.RegisteredDevice, error) {
	reply, err := roundTrip(server, client, wire.Frame{
		Code:    int32(wire.CmdGetStatus),
		Payload: wire.FormatRequest(wire.Request{ID: "restart"}),
	})
	if err != nil {
		return nil, err
	}
	if reply.Code != 0 {
		return nil, fmt.Errorf("GET_STATUS failed: %s", reply.Payload)
	}
	_, devices, err := wire.ParseStatusReply(reply.Payload)
	return devices, err
}

func sendDie(server, client *os.File) error {
	reply, err := roundTrip(server, client, wire.Frame{Code: int32(wire.CmdDie), Payload: "restart"})
	if err != nil {
		return err
	}
	if reply.Code != 0 {
		return fmt.Errorf("DIE failed: %s", reply.Payload)
	}
	return nil
}

// ReplayRegistrations re-registers every device Handoff fetched from
// the outgoing instance into reg, so monitoring continues
// uninterrupted across the restart (spec §4.6).
func ReplayRegistrations(reg *registry.Registry, devices []types.RegisteredDevice) {
	logger := log.WithComponent("daemon")
	for _, d := range devices {
		timeout := time.Duration(d.Timeout) * time.Second
		if err := reg.RegisterForEvent(d.PluginName, d.DeviceUUID, d.Events, timeout); err != nil {
			logger.Warn().
				Str("device_uuid", d.DeviceUUID).
				Str("plugin", d.PluginName).
				Err(err).
				Msg("failed to replay registration after restart")
		}
	}
}

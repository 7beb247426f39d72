package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/dmeventd/pkg/daemon"
	"github.com/cuemby/dmeventd/pkg/wire"
	"github.com/google/uuid"
)

// infoClientTimeout bounds the round trip to a running instance.
const infoClientTimeout = 5 * time.Second

// runInfo implements `dmeventd --info`: a thin GET_PARAMETERS client
// against an already-running instance's FIFOs (SPEC_FULL §11 item 1).
func runInfo(cfg runtimeConfig) error {
	paths := daemon.Paths{
		ServerFIFO: cfg.Paths.ServerFIFO,
		ClientFIFO: cfg.Paths.ClientFIFO,
		PIDFile:    cfg.Paths.PIDFile,
	}

	server, err := os.OpenFile(paths.ServerFIFO, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("dmeventd: info: open server fifo: %w", err)
	}
	defer server.Close()
	client, err := os.OpenFile(paths.ClientFIFO, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("dmeventd: info: open client fifo: %w", err)
	}
	defer client.Close()

	reqID := uuid.NewString()
	if err := server.SetWriteDeadline(time.Now().Add(infoClientTimeout)); err != nil {
		return err
	}
	if err := wire.WriteFrame(server, wire.Frame{
		Code:    int32(wire.CmdGetParameters),
		Payload: wire.FormatRequest(wire.Request{ID: reqID}),
	}); err != nil {
		return fmt.Errorf("dmeventd: info: send GET_PARAMETERS: %w", err)
	}

	if err := client.SetReadDeadline(time.Now().Add(infoClientTimeout)); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(client)
	if err != nil {
		return fmt.Errorf("dmeventd: info: read reply: %w", err)
	}
	if reply.Code != 0 {
		return fmt.Errorf("dmeventd: info: GET_PARAMETERS failed: %s", reply.Payload)
	}

	_, params, err := wire.ParseParametersReply(reply.Payload)
	if err != nil {
		return fmt.Errorf("dmeventd: info: %w", err)
	}

	fmt.Printf("PID:           %d\n", params.PID)
	fmt.Printf("Daemonized:    %t\n", params.Daemonized)
	fmt.Printf("Supervised:    %t\n", params.Supervised)
	fmt.Printf("Exit sentinel: %s\n", displayOrNone(params.ExitSentinel))
	fmt.Printf("Idle for:      %s\n", displayOrNone(params.IdleFor))
	return nil
}

func displayOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/dmeventd/pkg/daemon"
	"github.com/cuemby/dmeventd/pkg/log"
)

// restartHandoffTimeout bounds how long we wait for the outgoing
// instance to fetch-and-die before giving up (spec §4.6).
const restartHandoffTimeout = 30 * time.Second

// runRestart implements `dmeventd --restart`: fetch the outgoing
// instance's registrations over its still-live FIFOs, tell it to die,
// wait for its pidfile to be replaced or removed, then start up normally and
// replay what we fetched (spec §4.6).
func runRestart(cfg runtimeConfig) error {
	paths := daemon.Paths{
		ServerFIFO: cfg.Paths.ServerFIFO,
		ClientFIFO: cfg.Paths.ClientFIFO,
		PIDFile:    cfg.Paths.PIDFile,
	}

	logger := log.WithComponent("daemon")
	ctx, cancel := context.WithTimeout(context.Background(), restartHandoffTimeout)
	defer cancel()

	devices, err := daemon.Handoff(ctx, paths)
	if err != nil {
		return fmt.Errorf("%w: %v", errFIFOFailure, err)
	}
	logger.Info().Int("count", len(devices)).Msg("handed off from outgoing instance")

	return startDaemon(cfg, devices)
}

package dispatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/metrics"
	"github.com/cuemby/dmeventd/pkg/protoerr"
	"github.com/cuemby/dmeventd/pkg/registry"
	"github.com/cuemby/dmeventd/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultIdleTimeout is how long the dispatcher tolerates an empty
// plugin registry before treating the daemon as finished (spec §4.5
// step 1).
const DefaultIdleTimeout = time.Hour

// DefaultPollTimeout bounds each readiness wait on the request FIFO, so
// the loop keeps revisiting its idle/shutdown checks even with no
// client traffic.
const DefaultPollTimeout = time.Second

// Conn is the bounded-timeout-readable request channel the dispatcher
// reads frames from and writes replies to. *os.File, opened on the
// request FIFO, satisfies this.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(time.Time) error
}

// Config bundles the dispatcher's collaborators.
type Config struct {
	Registry         *registry.Registry
	Conn             Conn
	IdleTimeout      time.Duration
	PollTimeout      time.Duration
	ExitSentinelPath string
}

// Dispatcher is the E component: the single-threaded loop described by
// spec §4.5, running on the daemon's main goroutine.
type Dispatcher struct {
	reg              *registry.Registry
	conn             Conn
	idleTimeout      time.Duration
	pollTimeout      time.Duration
	exitSentinelPath string
	logger           zerolog.Logger

	idleBaseline   time.Time
	lastWallClock  time.Time
	loggedSchedule bool
}

// New creates a dispatcher. cfg.Registry and cfg.Conn must be non-nil.
func New(cfg Config) *Dispatcher {
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Dispatcher{
		reg:              cfg.Registry,
		conn:             cfg.Conn,
		idleTimeout:      idleTimeout,
		pollTimeout:      pollTimeout,
		exitSentinelPath: cfg.ExitSentinelPath,
		logger:           log.WithComponent("dispatch"),
	}
}

// Run is the dispatcher's main loop (spec §4.5). It returns nil once
// the daemon should exit cleanly (idle and either shutting down or
// past its idle timeout), or a
// non-nil error if the request channel failed unrecoverably.
func (d *Dispatcher) Run() error {
	for {
		if exit := d.checkIdleExit(); exit {
			return nil
		}
		if err := d.readAndDispatch(); err != nil {
			return err
		}
		d.reg.Reap()
	}
}

// checkIdleExit runs step 1 and step 2 of spec §4.5: when idle, decide
// whether to stop the loop; when not idle, advance a signalled shutdown
// to "scheduled" and run its one-time cleanup.
func (d *Dispatcher) checkIdleExit() bool {
	idleSince := d.reg.IdleSince()
	if idleSince.IsZero() {
		// Non-empty plugin registry: not idle. Forget any rebased
		// baseline from a previous idle period so it can't leak into
		// the next one.
		d.idleBaseline = time.Time{}
		d.lastWallClock = time.Time{}

		if d.reg.ShutdownSignaled() {
			d.reg.ScheduleShutdown()
			if !d.loggedSchedule {
				d.logger.Info().Msg("shutdown scheduled, draining active workers before exit")
				d.loggedSchedule = true
			}
			if d.exitSentinelExists() {
				d.reg.ForceUnregisterAll()
			}
		}
		return false
	}

	if d.reg.ShuttingDown() {
		d.logger.Info().Msg("idle with shutdown pending, exiting")
		return true
	}

	if d.idleTimeoutElapsed(idleSince) {
		d.logger.Info().Dur("idle_timeout", d.idleTimeout).Msg("idle timeout elapsed, exiting")
		return true
	}
	return false
}

// idleTimeoutElapsed measures time since idleSince, rebasing the
// baseline if wall-clock time has jumped backwards since the last
// check (spec §8 "a wall-clock backward jump while idle does not cause
// premature idle exit").
func (d *Dispatcher) idleTimeoutElapsed(idleSince time.Time) bool {
	now := time.Now()
	baseline := idleSince

	if !d.lastWallClock.IsZero() && now.Before(d.lastWallClock) {
		d.logger.Warn().Msg("wall clock moved backwards, resetting idle baseline")
		d.idleBaseline = now
	}
	d.lastWallClock = now
	if !d.idleBaseline.IsZero() {
		baseline = d.idleBaseline
	}

	return now.Sub(baseline) >= d.idleTimeout
}

func (d *Dispatcher) exitSentinelExists() bool {
	if d.exitSentinelPath == "" {
		return false
	}
	_, err := os.Stat(d.exitSentinelPath)
	return err == nil
}

// readAndDispatch performs step 3: a bounded-timeout readiness wait,
// then reads and dispatches exactly one request. A deadline timeout is
// not an error — it just means no request arrived this iteration.
func (d *Dispatcher) readAndDispatch() error {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.pollTimeout)); err != nil {
		return err
	}

	frame, err := wire.ReadFrame(d.conn)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		return err
	}

	d.handle(frame)
	return nil
}

func (d *Dispatcher) handle(frame wire.Frame) {
	cmd := wire.Command(frame.Code)

	// correlationID has no wire meaning; it only ties this request's
	// debug log line to its completion for a human reading the log.
	correlationID := uuid.NewString()
	d.logger.Debug().Str("command", cmd.String()).Str("correlation_id", correlationID).Msg("dispatching request")

	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.DispatchRequestDuration, cmd.String())
		metrics.DispatchRequestsTotal.WithLabelValues(cmd.String(), status).Inc()
		d.logger.Debug().Str("command", cmd.String()).Str("correlation_id", correlationID).Str("status", status).Msg("request handled")
	}()

	var reply wire.Frame
	switch cmd {
	case wire.CmdHello:
		reply = wire.Frame{Code: 0, Payload: wire.ReplyHello(firstField(frame.Payload), "HELLO")}
	case wire.CmdDie:
		id := firstField(frame.Payload)
		d.reg.ScheduleShutdown()
		d.reg.ForceUnregisterAll()
		reply = wire.Frame{Code: 0, Payload: wire.ReplyHello(id, "DYING")}
	default:
		reply = d.dispatchRequest(cmd, frame.Payload)
	}

	if reply.Code != 0 {
		status = "error"
	}
	if err := wire.WriteFrame(d.conn, reply); err != nil {
		d.logger.Warn().Err(err).Str("command", cmd.String()).Msg("failed to write reply frame")
	}
}

func (d *Dispatcher) dispatchRequest(cmd wire.Command, payload string) wire.Frame {
	req, err := wire.ParseRequest(payload)
	if err != nil {
		return errFrame("", protoerr.ErrInvalidCommand)
	}

	switch cmd {
	case wire.CmdActive:
		return okFrame(req.ID)

	case wire.CmdRegisterForEvent:
		timeout := time.Duration(req.Timeout) * time.Second
		if err := d.reg.RegisterForEvent(req.PluginName, req.DeviceUUID, req.Events, timeout); err != nil {
			return errFrame(req.ID, classify(err, protoerr.ErrPluginLoad))
		}
		return okFrame(req.ID)

	case wire.CmdUnregisterForEvent:
		if err := d.reg.UnregisterForEvent(req.DeviceUUID, req.Events); err != nil {
			return errFrame(req.ID, classify(err, protoerr.ErrNoSuchDevice))
		}
		return okFrame(req.ID)

	case wire.CmdGetRegisteredDevice:
		dev, err := d.reg.GetRegisteredDevice(req.PluginName, req.DeviceUUID)
		if err != nil {
			return errFrame(req.ID, classify(err, protoerr.ErrNoSuchDevice))
		}
		return wire.Frame{Code: 0, Payload: wire.FormatRequest(wire.Request{
			ID: req.ID, PluginName: dev.PluginName, DeviceUUID: dev.DeviceUUID,
			Events: dev.Events, Timeout: dev.Timeout,
		})}

	case wire.CmdGetNextRegisteredDevice:
		dev, err := d.reg.GetNextRegisteredDevice(req.PluginName, req.DeviceUUID)
		if err != nil {
			return errFrame(req.ID, classify(err, protoerr.ErrNoSuchDevice))
		}
		return wire.Frame{Code: 0, Payload: wire.FormatRequest(wire.Request{
			ID: req.ID, PluginName: dev.PluginName, DeviceUUID: dev.DeviceUUID,
			Events: dev.Events, Timeout: dev.Timeout,
		})}

	case wire.CmdSetTimeout:
		timeout := time.Duration(req.Timeout) * time.Second
		if err := d.reg.SetTimeout(req.DeviceUUID, timeout); err != nil {
			return errFrame(req.ID, classify(err, protoerr.ErrNoSuchDevice))
		}
		return okFrame(req.ID)

	case wire.CmdGetTimeout:
		timeout, err := d.reg.GetTimeout(req.DeviceUUID)
		if err != nil {
			return errFrame(req.ID, classify(err, protoerr.ErrNoSuchDevice))
		}
		return wire.Frame{Code: 0, Payload: wire.FormatTimeoutReply(req.ID, int(timeout.Seconds()))}

	case wire.CmdGetStatus:
		return wire.Frame{Code: 0, Payload: wire.FormatStatusReply(req.ID, d.reg.GetStatus())}

	case wire.CmdGetParameters:
		return wire.Frame{Code: 0, Payload: wire.FormatParametersReply(req.ID, d.reg.GetParameters())}

	default:
		return errFrame(req.ID, protoerr.ErrInvalidCommand)
	}
}

// classify associates err with a protoerr sentinel for reply-code
// purposes (via fmt.Errorf's %w) while keeping err's own message, such
// as a loader's "dlopen ...: no such file" diagnostic, in the reply
// body instead of discarding it for the sentinel's generic text.
func classify(err error, fallback error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return protoerr.ErrNoSuchDevice
	}
	return fmt.Errorf("%w: %s", fallback, err)
}

func okFrame(id string) wire.Frame {
	return wire.Frame{Code: 0, Payload: wire.ReplyOK(id)}
}

func errFrame(id string, err error) wire.Frame {
	return wire.Frame{Code: int32(protoerr.Of(err)), Payload: wire.ReplyError(id, err)}
}

func firstField(payload string) string {
	fields := wire.SplitFields(payload)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

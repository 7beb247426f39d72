package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/dmeventd/pkg/kernelwait"
	"github.com/cuemby/dmeventd/pkg/plugin"
	"github.com/cuemby/dmeventd/pkg/registry"
	"github.com/cuemby/dmeventd/pkg/scheduler"
	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/cuemby/dmeventd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlugin = "fake-plugin"

func noopRegister(name, uuid string, major, minor uint32) (interface{}, error) { return "state", nil }
func noopProcess(state interface{}, task *types.WaitTask, events types.EventMask) (interface{}, error) {
	return state, nil
}
func noopUnregister(state interface{}, name, uuid string, major, minor uint32) error { return nil }

type harness struct {
	dispatcher *Dispatcher
	client     net.Conn
	waiter     *kernelwait.FakeWaiter
	done       chan error
}

func newHarness(t *testing.T, idleTimeout time.Duration) *harness {
	t.Helper()
	fw := kernelwait.NewFakeWaiter()
	plugins := plugin.NewRegistry(plugin.FakeLoader{
		Plugins: map[string]plugin.FakePlugin{
			testPlugin: {Register: noopRegister, Process: noopProcess, Unregister: noopUnregister},
		},
	}, plugin.NoopControlHold{}, "")

	reg := registry.New(registry.Config{
		Plugins:   plugins,
		Scheduler: scheduler.New(),
		Resolver:  fw,
		WaiterFactory: func() (kernelwait.Waiter, error) {
			return fw, nil
		},
		GraceFunc: func() time.Duration { return 0 },
	})

	client, server := net.Pipe()
	d := New(Config{
		Registry:    reg,
		Conn:        server,
		IdleTimeout: idleTimeout,
		PollTimeout: 10 * time.Millisecond,
	})

	h := &harness{dispatcher: d, client: client, waiter: fw, done: make(chan error, 1)}
	go func() { h.done <- d.Run() }()
	t.Cleanup(func() { client.Close() })
	return h
}

func (h *harness) send(t *testing.T, f wire.Frame) wire.Frame {
	t.Helper()
	require.NoError(t, wire.WriteFrame(h.client, f))
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(time.Second)))
	reply, err := wire.ReadFrame(h.client)
	require.NoError(t, err)
	return reply
}

func TestDispatchHelloRepliesWithProtocolVersion(t *testing.T) {
	h := newHarness(t, time.Hour)
	reply := h.send(t, wire.Frame{Code: int32(wire.CmdHello), Payload: "c1"})
	assert.Equal(t, int32(0), reply.Code)
	assert.Equal(t, "c1 HELLO 1", reply.Payload)
}

func TestDispatchRegisterGetUnregisterRoundTrip(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.waiter.Seed(types.Device{UUID: "dev-1", Name: "vg0-lv0"}, kernelwait.FakeStep{Outcome: kernelwait.OutcomeRetry})

	reply := h.send(t, wire.Frame{
		Code:    int32(wire.CmdRegisterForEvent),
		Payload: wire.FormatRequest(wire.Request{ID: "r1", PluginName: testPlugin, DeviceUUID: "dev-1", Events: types.EventSingle}),
	})
	assert.Equal(t, int32(0), reply.Code)
	assert.Equal(t, "r1 Success", reply.Payload)

	require.Eventually(t, func() bool {
		reply := h.send(t, wire.Frame{
			Code:    int32(wire.CmdGetRegisteredDevice),
			Payload: wire.FormatRequest(wire.Request{ID: "r2", PluginName: testPlugin, DeviceUUID: "dev-1"}),
		})
		return reply.Code == 0
	}, time.Second, 10*time.Millisecond)

	reply = h.send(t, wire.Frame{
		Code:    int32(wire.CmdUnregisterForEvent),
		Payload: wire.FormatRequest(wire.Request{ID: "r3", DeviceUUID: "dev-1", Events: types.EventSingle}),
	})
	assert.Equal(t, int32(0), reply.Code)
}

func TestDispatchGetRegisteredDeviceMissingReturnsError(t *testing.T) {
	h := newHarness(t, time.Hour)
	reply := h.send(t, wire.Frame{
		Code:    int32(wire.CmdGetRegisteredDevice),
		Payload: wire.FormatRequest(wire.Request{ID: "r1", PluginName: testPlugin, DeviceUUID: "missing"}),
	})
	assert.NotEqual(t, int32(0), reply.Code)
	assert.Contains(t, reply.Payload, "r1")
}

func TestDispatchRegisterPluginLoadFailurePropagates(t *testing.T) {
	h := newHarness(t, time.Hour)
	reply := h.send(t, wire.Frame{
		Code:    int32(wire.CmdRegisterForEvent),
		Payload: wire.FormatRequest(wire.Request{ID: "r1", PluginName: "does-not-exist", DeviceUUID: "dev-9", Events: types.EventSingle}),
	})
	assert.NotEqual(t, int32(0), reply.Code)
}

func TestDispatchDieRepliesDyingAndForcesUnregister(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.waiter.Seed(types.Device{UUID: "dev-2", Name: "vg0-lv1"}, kernelwait.FakeStep{Outcome: kernelwait.OutcomeRetry})

	reply := h.send(t, wire.Frame{
		Code:    int32(wire.CmdRegisterForEvent),
		Payload: wire.FormatRequest(wire.Request{ID: "r1", PluginName: testPlugin, DeviceUUID: "dev-2", Events: types.EventSingle}),
	})
	require.Equal(t, int32(0), reply.Code)

	reply = h.send(t, wire.Frame{Code: int32(wire.CmdDie), Payload: "d1"})
	assert.Equal(t, "d1 DYING 1", reply.Payload)

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit after DIE drained all workers")
	}
}

func TestDispatchExitsOnIdleTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never exited once its idle timeout elapsed")
	}
}

func TestDispatchGetParametersAndGetStatus(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.waiter.Seed(types.Device{UUID: "dev-3", Name: "vg0-lv2"}, kernelwait.FakeStep{Outcome: kernelwait.OutcomeRetry})

	reply := h.send(t, wire.Frame{
		Code:    int32(wire.CmdRegisterForEvent),
		Payload: wire.FormatRequest(wire.Request{ID: "r1", PluginName: testPlugin, DeviceUUID: "dev-3", Events: types.EventSingle}),
	})
	require.Equal(t, int32(0), reply.Code)

	require.Eventually(t, func() bool {
		reply := h.send(t, wire.Frame{Code: int32(wire.CmdGetStatus), Payload: wire.FormatRequest(wire.Request{ID: "r2"})})
		return reply.Code == 0 && reply.Payload != "r2 -"
	}, time.Second, 10*time.Millisecond)

	reply = h.send(t, wire.Frame{Code: int32(wire.CmdGetParameters), Payload: wire.FormatRequest(wire.Request{ID: "r3"})})
	assert.Equal(t, int32(0), reply.Code)
	assert.Contains(t, reply.Payload, "r3")
}

package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/cuemby/dmeventd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffFetchesRegistrationsAndWaitsForExit(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, EnsureFIFOs(paths))
	require.NoError(t, os.WriteFile(paths.PIDFile, []byte("111\n"), 0o644))

	server, err := OpenServer(paths)
	require.NoError(t, err)
	client, err := OpenClient(paths)
	require.NoError(t, err)

	devices := []types.RegisteredDevice{
		{PluginName: "p.so", DeviceUUID: "dev-1", Events: types.EventSingle},
	}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		for {
			frame, err := wire.ReadFrame(server)
			if err != nil {
				return
			}
			switch wire.Command(frame.Code) {
			case wire.CmdGetStatus:
				req, _ := wire.ParseRequest(frame.Payload)
				_ = wire.WriteFrame(client, wire.Frame{Code: 0, Payload: wire.FormatStatusReply(req.ID, devices)})
			case wire.CmdDie:
				_ = wire.WriteFrame(client, wire.Frame{Code: 0, Payload: wire.ReplyOK("restart")})
				server.Close()
				client.Close()
				os.Remove(paths.PIDFile)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Handoff(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, devices, got)

	<-serveDone
}

func TestHandoffFailsWhenNoOutgoingInstance(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, EnsureFIFOs(paths))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Nobody is on the other end of either fifo, so the GET_STATUS
	// reply read times out via SetReadDeadline.
	_, err := Handoff(ctx, paths)
	assert.Error(t, err)
}

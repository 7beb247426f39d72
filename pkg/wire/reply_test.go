package wire

import (
	"testing"

	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestFormatDeviceEntryEmptyFields(t *testing.T) {
	entry := FormatDeviceEntry(types.RegisteredDevice{PluginName: "p.so", DeviceUUID: "dev-1"})
	assert.Equal(t, "p.so,dev-1,-,-", entry)
}

func TestFormatDeviceEntryWithEventsAndTimeout(t *testing.T) {
	entry := FormatDeviceEntry(types.RegisteredDevice{
		PluginName: "p.so", DeviceUUID: "dev-1", Events: types.EventSingle | types.EventTimeout, Timeout: 30,
	})
	assert.Equal(t, "p.so,dev-1,0x81,30", entry)
}

func TestFormatStatusReplyJoinsEntriesBySemicolon(t *testing.T) {
	devices := []types.RegisteredDevice{
		{PluginName: "p.so", DeviceUUID: "dev-1", Events: types.EventSingle},
		{PluginName: "p.so", DeviceUUID: "dev-2", Events: types.EventMulti},
	}
	payload := FormatStatusReply("id1", devices)
	assert.Equal(t, "id1 p.so,dev-1,0x1,-;p.so,dev-2,0x2,-", payload)
}

func TestFormatStatusReplyEmpty(t *testing.T) {
	assert.Equal(t, "id1 -", FormatStatusReply("id1", nil))
}

func TestFormatParametersReply(t *testing.T) {
	payload := FormatParametersReply("id1", types.DaemonParams{
		PID: 42, Daemonized: true, Supervised: false, ExitSentinel: "/tmp/sentinel", IdleFor: "",
	})
	assert.Equal(t, "id1 42 1 0 /tmp/sentinel -", payload)
}

func TestFormatTimeoutReply(t *testing.T) {
	assert.Equal(t, "id1 30", FormatTimeoutReply("id1", 30))
}

func TestParseDeviceEntryRoundTrip(t *testing.T) {
	dev := types.RegisteredDevice{
		PluginName: "p.so", DeviceUUID: "dev-1", Events: types.EventSingle | types.EventTimeout, Timeout: 30,
	}
	parsed, err := ParseDeviceEntry(FormatDeviceEntry(dev))
	assert.NoError(t, err)
	assert.Equal(t, dev, parsed)
}

func TestParseDeviceEntryEmptyFields(t *testing.T) {
	parsed, err := ParseDeviceEntry("p.so,dev-1,-,-")
	assert.NoError(t, err)
	assert.Equal(t, types.RegisteredDevice{PluginName: "p.so", DeviceUUID: "dev-1"}, parsed)
}

func TestParseDeviceEntryMalformed(t *testing.T) {
	_, err := ParseDeviceEntry("p.so,dev-1")
	assert.Error(t, err)
}

func TestParseStatusReplyRoundTrip(t *testing.T) {
	devices := []types.RegisteredDevice{
		{PluginName: "p.so", DeviceUUID: "dev-1", Events: types.EventSingle},
		{PluginName: "p.so", DeviceUUID: "dev-2", Events: types.EventMulti, Timeout: 10},
	}
	id, parsed, err := ParseStatusReply(FormatStatusReply("id1", devices))
	assert.NoError(t, err)
	assert.Equal(t, "id1", id)
	assert.Equal(t, devices, parsed)
}

func TestParseStatusReplyEmpty(t *testing.T) {
	id, parsed, err := ParseStatusReply("id1 -")
	assert.NoError(t, err)
	assert.Equal(t, "id1", id)
	assert.Nil(t, parsed)
}

func TestParseParametersReplyRoundTrip(t *testing.T) {
	params := types.DaemonParams{
		PID: 42, Daemonized: true, Supervised: false, ExitSentinel: "/tmp/sentinel", IdleFor: "5m0s",
	}
	id, parsed, err := ParseParametersReply(FormatParametersReply("id1", params))
	assert.NoError(t, err)
	assert.Equal(t, "id1", id)
	assert.Equal(t, params, parsed)
}

func TestParseParametersReplyMalformed(t *testing.T) {
	_, _, err := ParseParametersReply("id1 notanumber 1 0 - -")
	assert.Error(t, err)

	_, _, err = ParseParametersReply("id1 42 1 0")
	assert.Error(t, err)
}

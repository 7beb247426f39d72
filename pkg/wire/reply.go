package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/dmeventd/pkg/types"
)

// entrySeparator delimits the sub-fields of one GET_STATUS row, and
// listSeparator delimits rows within the reply's single payload token.
const (
	entrySeparator = ","
	listSeparator  = ";"
)

// FormatDeviceEntry encodes one registered device as a single token
// suitable for embedding in a GET_STATUS reply.
func FormatDeviceEntry(d types.RegisteredDevice) string {
	events := emptyField
	if d.Events != 0 {
		events = "0x" + strconv.FormatUint(uint64(d.Events), 16)
	}
	timeout := emptyField
	if d.Timeout != 0 {
		timeout = strconv.Itoa(d.Timeout)
	}
	return strings.Join([]string{d.PluginName, d.DeviceUUID, events, timeout}, entrySeparator)
}

// FormatStatusReply formats a GET_STATUS reply payload: the client id
// followed by a single token of semicolon-delimited device entries.
func FormatStatusReply(id string, devices []types.RegisteredDevice) string {
	entries := make([]string, len(devices))
	for i, d := range devices {
		entries[i] = FormatDeviceEntry(d)
	}
	return JoinFields(id, strings.Join(entries, listSeparator))
}

// ParseDeviceEntry decodes one FormatDeviceEntry token back into a
// RegisteredDevice. It is the restart handoff's counterpart to
// FormatDeviceEntry: the incoming instance replays a GET_STATUS
// snapshot fetched from the outgoing one (spec §4.6).
func ParseDeviceEntry(entry string) (types.RegisteredDevice, error) {
	fields := strings.Split(entry, entrySeparator)
	if len(fields) != 4 {
		return types.RegisteredDevice{}, fmt.Errorf("wire: malformed device entry %q", entry)
	}

	dev := types.RegisteredDevice{PluginName: fields[0], DeviceUUID: fields[1]}
	if fields[2] != emptyField {
		events, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 32)
		if err != nil {
			return types.RegisteredDevice{}, fmt.Errorf("wire: malformed events field %q: %w", fields[2], err)
		}
		dev.Events = types.EventMask(events)
	}
	if fields[3] != emptyField {
		timeout, err := strconv.Atoi(fields[3])
		if err != nil {
			return types.RegisteredDevice{}, fmt.Errorf("wire: malformed timeout field %q: %w", fields[3], err)
		}
		dev.Timeout = timeout
	}
	return dev, nil
}

// ParseStatusReply decodes a FormatStatusReply payload back into its
// id and device list.
func ParseStatusReply(payload string) (id string, devices []types.RegisteredDevice, err error) {
	fields := SplitFields(payload)
	if len(fields) != 2 {
		return "", nil, fmt.Errorf("wire: malformed status reply %q", payload)
	}
	id = fields[0]
	if fields[1] == "" {
		return id, nil, nil
	}
	for _, entry := range strings.Split(fields[1], listSeparator) {
		dev, err := ParseDeviceEntry(entry)
		if err != nil {
			return "", nil, err
		}
		devices = append(devices, dev)
	}
	return id, devices, nil
}

// FormatParametersReply formats a GET_PARAMETERS reply payload (spec
// §4.4 Get-parameters).
func FormatParametersReply(id string, p types.DaemonParams) string {
	daemonized := "0"
	if p.Daemonized {
		daemonized = "1"
	}
	supervised := "0"
	if p.Supervised {
		supervised = "1"
	}
	return JoinFields(id, strconv.Itoa(p.PID), daemonized, supervised, p.ExitSentinel, p.IdleFor)
}

// FormatTimeoutReply formats a GET_TIMEOUT reply payload.
func FormatTimeoutReply(id string, timeoutSecs int) string {
	return JoinFields(id, strconv.Itoa(timeoutSecs))
}

// ParseParametersReply decodes a FormatParametersReply payload. It is
// the info command's counterpart to FormatParametersReply: a thin
// client sends GET_PARAMETERS and prints what comes back.
func ParseParametersReply(payload string) (id string, p types.DaemonParams, err error) {
	fields := SplitFields(payload)
	if len(fields) != 6 {
		return "", types.DaemonParams{}, fmt.Errorf("wire: malformed parameters reply %q", payload)
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", types.DaemonParams{}, fmt.Errorf("wire: malformed pid field %q: %w", fields[1], err)
	}
	p = types.DaemonParams{
		PID:          pid,
		Daemonized:   fields[2] == "1",
		Supervised:   fields[3] == "1",
		ExitSentinel: fields[4],
		IdleFor:      fields[5],
	}
	return fields[0], p, nil
}

package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/dmeventd/pkg/types"
)

// Command is a request command code (spec §6.1). Numeric assignment
// is stable for the lifetime of this daemon's wire protocol.
type Command int32

const (
	CmdActive Command = iota + 1
	CmdRegisterForEvent
	CmdUnregisterForEvent
	CmdGetRegisteredDevice
	CmdGetNextRegisteredDevice
	CmdSetTimeout
	CmdGetTimeout
	CmdHello
	CmdDie
	CmdGetStatus
	CmdGetParameters
)

var commandNames = map[Command]string{
	CmdActive:                  "ACTIVE",
	CmdRegisterForEvent:        "REGISTER_FOR_EVENT",
	CmdUnregisterForEvent:      "UNREGISTER_FOR_EVENT",
	CmdGetRegisteredDevice:     "GET_REGISTERED_DEVICE",
	CmdGetNextRegisteredDevice: "GET_NEXT_REGISTERED_DEVICE",
	CmdSetTimeout:              "SET_TIMEOUT",
	CmdGetTimeout:              "GET_TIMEOUT",
	CmdHello:                   "HELLO",
	CmdDie:                     "DIE",
	CmdGetStatus:               "GET_STATUS",
	CmdGetParameters:           "GET_PARAMETERS",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}

// ProtocolVersion is embedded in HELLO/DIE reply suffixes (spec §6.1).
const ProtocolVersion = "1"

// Request is the parsed form of a non-HELLO/DIE request payload:
// "<id> <plugin_name> <device_uuid> <events_bitmask> <timeout_secs>".
type Request struct {
	ID         string
	PluginName string
	DeviceUUID string
	Events     types.EventMask
	Timeout    int
}

// ParseRequest decodes a request payload. An empty events or timeout
// field (encoded "-") decodes to zero.
func ParseRequest(payload string) (Request, error) {
	fields := SplitFields(payload)
	if len(fields) != 5 {
		return Request{}, fmt.Errorf("wire: expected 5 fields, got %d", len(fields))
	}
	var events types.EventMask
	if fields[3] != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(fields[3], "0x"), 16, 32)
		if err != nil {
			return Request{}, fmt.Errorf("wire: bad events field %q: %w", fields[3], err)
		}
		events = types.EventMask(v)
	}
	var timeout int
	if fields[4] != "" {
		v, err := strconv.Atoi(fields[4])
		if err != nil {
			return Request{}, fmt.Errorf("wire: bad timeout field %q: %w", fields[4], err)
		}
		timeout = v
	}
	return Request{
		ID:         fields[0],
		PluginName: fields[1],
		DeviceUUID: fields[2],
		Events:     events,
		Timeout:    timeout,
	}, nil
}

// FormatRequest is the inverse of ParseRequest, used by the restart
// handoff client (pkg/daemon) to replay registrations.
func FormatRequest(r Request) string {
	events := ""
	if r.Events != 0 {
		events = fmt.Sprintf("0x%x", uint32(r.Events))
	}
	timeout := ""
	if r.Timeout != 0 {
		timeout = strconv.Itoa(r.Timeout)
	}
	return JoinFields(r.ID, r.PluginName, r.DeviceUUID, events, timeout)
}

// ReplyOK formats a successful reply payload: "<id> Success".
func ReplyOK(id string) string {
	return JoinFields(id, "Success")
}

// ReplyError formats an error reply payload: "<id> <description>".
func ReplyError(id string, err error) string {
	return JoinFields(id, err.Error())
}

// ReplyHello formats the HELLO/DIE reply suffix (spec §6.1).
func ReplyHello(id, verb string) string {
	return JoinFields(id, verb, ProtocolVersion)
}

package types

import "fmt"

// EventMask is the bitmask of device-mapper event categories a client
// subscribes a device to. The wire encoding is the hex string form of
// the mask (see pkg/wire).
type EventMask uint32

// Event categories, matching the dm-event client ABI (spec §6.1).
const (
	EventSingle EventMask = 1 << iota
	EventMulti
	EventSectorError
	EventDeviceError
	EventPathError
	EventAdaptorError
	EventSyncStatus
	// EventTimeout has a distinguished meaning: it subscribes the
	// worker to the timeout scheduler (pkg/scheduler).
	EventTimeout
)

var eventNames = [...]struct {
	bit  EventMask
	name string
}{
	{EventSingle, "SINGLE"},
	{EventMulti, "MULTI"},
	{EventSectorError, "SECTOR_ERROR"},
	{EventDeviceError, "DEVICE_ERROR"},
	{EventPathError, "PATH_ERROR"},
	{EventAdaptorError, "ADAPTOR_ERROR"},
	{EventSyncStatus, "SYNC_STATUS"},
	{EventTimeout, "TIMEOUT"},
}

// String renders the set bits for debug logging, e.g. "SINGLE|TIMEOUT".
func (m EventMask) String() string {
	if m == 0 {
		return "NONE"
	}
	s := ""
	for _, e := range eventNames {
		if m&e.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += e.name
		}
	}
	return s
}

// HasTimeout reports whether the mask subscribes to the TIMEOUT category.
func (m EventMask) HasTimeout() bool { return m&EventTimeout != 0 }

// WorkerStatus is the four-state lifecycle from spec §3.
type WorkerStatus int

const (
	// StatusRegistering is transient: the worker was just created and
	// is still inside the plugin's register_device call.
	StatusRegistering WorkerStatus = iota
	// StatusRunning is the normal state: alternating kernel wait and
	// plugin invocation.
	StatusRunning
	// StatusGracePeriod: events went empty; held in the unused table
	// for reuse.
	StatusGracePeriod
	// StatusDone is terminal: cleanup has run, awaiting reaping.
	StatusDone
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusRegistering:
		return "REGISTERING"
	case StatusRunning:
		return "RUNNING"
	case StatusGracePeriod:
		return "GRACE_PERIOD"
	case StatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Device identifies a mapped device. Major/Minor/Inode are populated
// after the first successful resolve (spec §4.3 step 1); Inode is used
// only to detect device recreation for grace-period reuse matching
// (spec §4.4).
type Device struct {
	UUID  string
	Name  string
	Major uint32
	Minor uint32
	Inode uint64
}

// WaitTask is the reusable per-worker task object bound to a device
// UUID (spec §3). It also doubles as the snapshot handed to
// process_event for both blocking-wait-derived and timeout-derived
// invocations (spec §4.3, "Task selection for process_event").
type WaitTask struct {
	Device      Device
	EventNr     uint64
	FreshStatus bool // true for a timeout-driven non-blocking snapshot
}

// PluginDescriptor is the A component's per-plugin record (spec §4.1).
// RefCount must equal the number of workers whose plugin field points
// at this descriptor, across both registries (invariant #3, spec §8).
type PluginDescriptor struct {
	Name       string
	Path       string
	Register   RegisterFunc
	Process    ProcessFunc
	Unregister UnregisterFunc
	RefCount   int
}

// RegisterFunc is the `register_device` plugin ABI entry point
// (spec §6.3). It returns the opaque per-worker state the plugin owns
// between calls (the Go analogue of the C double-indirect `user`
// slot); the core never inspects it.
type RegisterFunc func(name, uuid string, major, minor uint32) (state interface{}, err error)

// ProcessFunc is the `process_event` plugin ABI entry point.
type ProcessFunc func(state interface{}, task *WaitTask, events EventMask) (newState interface{}, err error)

// UnregisterFunc is the `unregister_device` plugin ABI entry point.
type UnregisterFunc func(state interface{}, name, uuid string, major, minor uint32) error

// DaemonParams answers GET_PARAMETERS (spec §4.4).
type DaemonParams struct {
	PID          int
	Daemonized   bool
	Supervised   bool
	ExitSentinel string
	IdleFor      string // empty if not idle
}

// RegisteredDevice is one row of GET_STATUS / GET_REGISTERED_DEVICE
// output (spec §4.4).
type RegisteredDevice struct {
	PluginName string
	DeviceUUID string
	Events     EventMask
	Timeout    int
}

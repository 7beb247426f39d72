package daemon

// Paths bundles the fixed filesystem locations spec §6.2/§6.4 names.
// cmd/dmeventd builds one from its runtime configuration, whose
// defaults are the same locations DefaultPaths returns; tests
// substitute a Paths rooted under t.TempDir().
type Paths struct {
	// ServerFIFO is the pipe the daemon reads requests from.
	ServerFIFO string
	// ClientFIFO is the pipe the daemon writes replies to.
	ClientFIFO string
	// PIDFile is locked exclusively for the life of the daemon.
	PIDFile string
}

// DefaultPaths returns the production locations (spec §6.2, §6.4).
func DefaultPaths() Paths {
	return Paths{
		ServerFIFO: "/var/run/dmeventd-server",
		ClientFIFO: "/var/run/dmeventd-client",
		PIDFile:    "/var/run/dmeventd.pid",
	}
}

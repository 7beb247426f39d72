// Package worker implements the C component: the per-device worker
// goroutine. Each Worker pins itself to an OS thread, resolves its
// device, calls into its plugin's register_device, then alternates
// between blocking in the kernel wait and invoking the plugin's
// process_event until its event filter empties, at which point it
// either enters a reusable grace period or runs its cleanup handler.
package worker

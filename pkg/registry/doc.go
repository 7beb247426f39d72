// Package registry implements the D component: the active/unused
// worker tables and the single global mutex they (and the workers
// themselves) share. It creates workers, runs the update protocol
// ("move before signal" on grace-period reuse), answers the
// get/get-next/get-status/get-parameters/get-timeout queries, and
// reaps workers that have reached the DONE state.
package registry

// Package sigwake implements the thread-directed wake signal used to
// interrupt a worker blocked in a kernel wait: SIGALRM delivered to a
// specific OS thread via tgkill, unblocked only for the duration of
// the wait itself.
package sigwake

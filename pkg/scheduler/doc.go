// Package scheduler implements the B component: a single lazily
// spawned goroutine that wakes device workers subscribed to the
// TIMEOUT event category on their configured period, by delivering a
// directed wake signal to each worker's thread. The goroutine exits
// when its pending list empties and is re-created on the next
// registration.
package scheduler

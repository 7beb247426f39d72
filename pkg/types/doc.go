// Package types is the shared data model for the daemon: device
// identity, plugin descriptors, the worker lifecycle enum, and the
// events bitmask carried over the wire protocol.
package types

// Package cyclic implements a fixed-capacity circular store of caller-owned
// elements with independent read and write slot locking.
//
// Every slot moves through Free -> WriteLocked -> Filled -> ReadLocked -> Free.
// Readers see Filled slots in write-completion order. A writer that catches up
// with the oldest unread slot reclaims it; the loss is counted, never blocked
// on.
package cyclic

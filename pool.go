package atlas

import (
	"context"
	"time"
)

// Pool is a bounded per-node connection pool. Acquire blocks until a
// connection is idle or the context expires; the open-connection count
// never exceeds the configured maximum.
type Pool interface {
	// Acquire checks out a connection for exclusive use. A context
	// deadline bounds the wait; expiry surfaces as ErrPoolTimeout from the
	// caller's side.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle checks out every currently idle connection, used by
	// the sweep loop to inspect and expire stale sockets.
	AcquireAllIdle() []Resource

	// Close destroys idle connections and waits for checked-out ones to be
	// released before tearing them down.
	Close()

	// Stats returns a snapshot of pool counters.
	Stats() PoolStats
}

// Resource is one checked-out connection plus its lifecycle handle. Exactly
// one of Release, ReleaseUnused or Destroy must be called.
type Resource interface {
	// Value returns the checked-out connection.
	Value() *Connection

	// Release returns a healthy connection to the idle set.
	Release()

	// ReleaseUnused returns the connection without refreshing its
	// last-used time, so sweeps don't keep stale sockets alive.
	ReleaseUnused()

	// Destroy closes the connection and removes it from the pool.
	Destroy()

	// CreationTime is when the underlying connection was dialed.
	CreationTime() time.Time

	// IdleDuration is how long the connection sat idle before checkout.
	IdleDuration() time.Duration
}

// PoolStats is a snapshot of one node's pool counters.
type PoolStats struct {
	AcquireCount      uint64 // total acquire attempts
	AcquireWaitCount  uint64 // acquires that had to wait
	CreatedConns      uint64 // total connections dialed
	DestroyedConns    uint64 // total connections closed
	AcquireErrors     uint64 // cancelled or failed acquires
	AcquireWaitTimeNs uint64 // total nanoseconds spent waiting

	TotalConns  int32 // open connections (idle + active)
	IdleConns   int32 // idle connections available
	ActiveConns int32 // connections currently checked out
}

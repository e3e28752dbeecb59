// Package store defines the lease store the lock core consumes: a linearizable
// key-value table with four single-key conditional operations. Backends live in
// the subpackages (cql, redis, mysql, etcd, nats, local) and in pkg/raft and
// pkg/client for the replicated lowkey server.
package store

import (
	"context"
	"time"

	"github.com/pixperk/leaselock/pkg/types"
)

// LeaseStore is the prepared set of conditional operations on the lease table.
// Implementations must be safe for concurrent use; every call is one round trip.
type LeaseStore interface {
	// Acquire inserts the record if no live record exists for name.
	// When it is not applied, current is the conflicting row if the backend
	// returns it in the same round trip, nil otherwise.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (applied bool, current *types.Lease, err error)

	// Inspect reads the live record for name at the strongest consistency the backend offers.
	Inspect(ctx context.Context, name string) (lease *types.Lease, found bool, err error)

	// Release deletes the record if its owner equals owner.
	Release(ctx context.Context, name, owner string) (applied bool, err error)

	// Renew re-stamps owner and ttl if the stored owner equals owner.
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (applied bool, err error)
}

// Backend is an open connection to a lease store.
type Backend interface {
	// Prepare builds the conditional operation templates once.
	Prepare(ctx context.Context) (LeaseStore, error)
	Close() error
}

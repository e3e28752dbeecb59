// Package local is an in-process lease store backed by the lease FSM.
// Linearizable within one process; used by tests and single-binary deployments.
package local

import (
	"context"
	"time"

	"github.com/pixperk/leaselock/pkg/fsm"
	"github.com/pixperk/leaselock/pkg/store"
	ltime "github.com/pixperk/leaselock/pkg/time"
	"github.com/pixperk/leaselock/pkg/types"
)

type Store struct {
	fsm   *fsm.FSM
	clock ltime.Clock
}

type Option func(*Store)

// overrides the clock used to stamp commands
func WithClock(c ltime.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func New(opts ...Option) *Store {
	s := &Store{
		fsm:   fsm.NewFSM(),
		clock: ltime.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Backend = (*Store)(nil)
var _ store.LeaseStore = (*Store)(nil)

// nothing to prepare, the FSM is the template
func (s *Store) Prepare(ctx context.Context) (store.LeaseStore, error) {
	return s, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	result, err := s.fsm.Apply(types.AcquireCmd{Name: name, Owner: owner, TTL: ttl, Now: s.clock.Now()})
	if err != nil {
		return false, nil, err
	}
	resp := result.(fsm.AcquireResponse)
	if resp.Applied {
		return true, nil, nil
	}
	return false, &resp.Current, nil
}

func (s *Store) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	result, err := s.fsm.Apply(types.InspectCmd{Name: name, Now: s.clock.Now()})
	if err != nil {
		return nil, false, err
	}
	resp := result.(fsm.InspectResponse)
	if !resp.Found {
		return nil, false, nil
	}
	return &resp.Lease, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	result, err := s.fsm.Apply(types.ReleaseCmd{Name: name, Owner: owner, Now: s.clock.Now()})
	if err != nil {
		return false, err
	}
	return result.(fsm.ReleaseResponse).Applied, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	result, err := s.fsm.Apply(types.RenewCmd{Name: name, Owner: owner, TTL: ttl, Now: s.clock.Now()})
	if err != nil {
		return false, err
	}
	return result.(fsm.RenewResponse).Applied, nil
}

// removes a record regardless of owner, simulating expiry or an operator reclaim
func (s *Store) Purge(name string) bool {
	result, _ := s.fsm.Apply(types.PurgeCmd{Name: name})
	return result.(fsm.PurgeResponse).Removed
}

// lease table stats
func (s *Store) Stats() fsm.Stats {
	return s.fsm.Stats()
}

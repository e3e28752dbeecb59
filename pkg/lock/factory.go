// Package lock implements lease based distributed mutual exclusion on top of a
// store.LeaseStore. A Factory owns the prepared conditional operations and the
// default owner and ttl; each Lock is one handle on a named lease.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTTL matches the lease table's default expiration.
const DefaultTTL = 60 * time.Second

// Factory manufactures Lock handles bound to one store connection.
type Factory struct {
	backend store.Backend
	ops     store.LeaseStore
	owned   bool //backend opened by Dial, closed by Close

	logger hclog.Logger
	tracer trace.Tracer

	mu           sync.RWMutex
	defaultOwner string
	defaultTTL   time.Duration
}

// NewFactory binds to an already open backend and prepares its conditional
// operations once. The caller keeps ownership of the backend.
func NewFactory(ctx context.Context, backend store.Backend, opts ...Option) (*Factory, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.owner == "" {
		o.owner = uuid.NewString()
	}
	if err := types.ValidateTTL(o.ttl); err != nil {
		return nil, err
	}

	ops, err := backend.Prepare(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare lease operations: %w", err)
	}

	f := &Factory{
		backend:      backend,
		ops:          ops,
		logger:       o.logger.Named("lock"),
		tracer:       o.tracerProvider.Tracer(tracerName),
		defaultOwner: o.owner,
		defaultTTL:   o.ttl,
	}
	f.logger.Debug("lock factory ready", "owner", o.owner, "ttl", o.ttl)

	return f, nil
}

// sets the ttl for locks created from now on
func (f *Factory) SetDefaultTTL(ttl time.Duration) error {
	if err := types.ValidateTTL(ttl); err != nil {
		return err
	}
	f.mu.Lock()
	f.defaultTTL = ttl
	f.mu.Unlock()
	return nil
}

// sets the owner for locks created from now on
func (f *Factory) SetDefaultOwner(owner string) error {
	if err := types.ValidateOwner(owner); err != nil {
		return err
	}
	f.mu.Lock()
	f.defaultOwner = owner
	f.mu.Unlock()
	return nil
}

func (f *Factory) DefaultTTL() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultTTL
}

func (f *Factory) DefaultOwner() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultOwner
}

// GetLock returns a new handle for the named resource. It does not touch the store.
func (f *Factory) GetLock(name string, opts ...LockOption) *Lock {
	f.mu.RLock()
	l := &Lock{
		name:  name,
		owner: f.defaultOwner,
		ttl:   f.defaultTTL,
	}
	f.mu.RUnlock()

	for _, opt := range opts {
		opt(l)
	}

	l.ops = f.ops
	l.logger = f.logger.With("lock", name, "owner", l.owner)
	l.tracer = f.tracer
	return l
}

// Inspect reads the live lease on name without taking it. It returns nil when
// no owner holds the name.
func (f *Factory) Inspect(ctx context.Context, name string) (*types.Lease, error) {
	if err := types.ValidateName(name); err != nil {
		return nil, err
	}
	l := f.GetLock(name)
	lease, err := l.inspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect %q: %w", name, err)
	}
	return lease, nil
}

// Close releases the store connection if the factory opened it.
func (f *Factory) Close() error {
	if !f.owned {
		return nil
	}
	return f.backend.Close()
}

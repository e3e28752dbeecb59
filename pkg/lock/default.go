package lock

import (
	"context"
	"sync"

	"github.com/pixperk/leaselock/pkg/types"
)

var (
	defaultMu      sync.RWMutex
	defaultFactory *Factory
)

// Initialize installs f as the process-wide factory. Only the first call wins;
// later calls return types.ErrAlreadyInitialized until ResetDefault.
func Initialize(f *Factory) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultFactory != nil {
		return types.ErrAlreadyInitialized
	}
	defaultFactory = f
	return nil
}

// Default returns the process-wide factory, nil before Initialize.
func Default() *Factory {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultFactory
}

// ResetDefault clears the process-wide factory and returns the previous one.
// It does not close it.
func ResetDefault() *Factory {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	f := defaultFactory
	defaultFactory = nil
	return f
}

type ctxKey struct{}

func NewContext(ctx context.Context, f *Factory) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// FromContext returns the factory carried by ctx, falling back to Default.
func FromContext(ctx context.Context) *Factory {
	if f, ok := ctx.Value(ctxKey{}).(*Factory); ok && f != nil {
		return f
	}
	return Default()
}

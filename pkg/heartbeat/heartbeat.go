// Package heartbeat keeps a held lease alive in the background.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/types"
)

// Renewer is the part of a lock handle the keeper drives.
type Renewer interface {
	Name() string
	TTL() time.Duration
	KeepAlive(ctx context.Context) error
}

type Option func(*Keeper)

// overrides the ttl/3 renewal cadence
func WithInterval(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(k *Keeper) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// Keeper renews one lease on a ticker until stopped or the lease is lost.
// Transient store errors are logged and retried on the next tick; the keeper
// stops for good on the first lease lost error.
type Keeper struct {
	lock     Renewer
	interval time.Duration
	logger   hclog.Logger

	lost   chan error
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Start launches the renewal loop. The loop also ends when ctx is done.
func Start(ctx context.Context, lock Renewer, opts ...Option) *Keeper {
	k := &Keeper{
		lock:     lock,
		interval: lock.TTL() / 3,
		logger:   hclog.NewNullLogger(),
		lost:     make(chan error, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.interval <= 0 {
		k.interval = time.Second
	}
	k.logger = k.logger.Named("heartbeat").With("lock", lock.Name())

	go k.loop(ctx)
	return k
}

// Lost delivers the lease lost error, at most once.
func (k *Keeper) Lost() <-chan error {
	return k.lost
}

// Done is closed when the loop has exited.
func (k *Keeper) Done() <-chan struct{} {
	return k.done
}

// Stop ends the loop and waits for it. Safe to call more than once.
func (k *Keeper) Stop() {
	k.once.Do(func() { close(k.stopCh) })
	<-k.done
}

func (k *Keeper) loop(ctx context.Context) {
	defer close(k.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
			err := k.lock.KeepAlive(ctx)
			if err == nil {
				if failureCount > 0 {
					k.logger.Info("keepalive recovered", "failures", failureCount)
					failureCount = 0
				}
				continue
			}

			if errors.Is(err, types.ErrLeaseLost) {
				k.logger.Warn("lease lost, stopping keepalive", "error", err)
				k.lost <- err
				return
			}

			failureCount++
			k.logger.Warn("keepalive failed", "attempt", failureCount, "error", err)
			if failureCount >= 2 {
				k.logger.Error("lease may expire soon, keepalive failing", "ttl", k.lock.TTL())
			}

		case <-k.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

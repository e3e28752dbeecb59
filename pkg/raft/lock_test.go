package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/leaselock/pkg/lock"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentLockAcquisition(t *testing.T) {
	node := startSingleNode(t, "127.0.0.1:0")
	ctx := context.Background()

	factory, err := lock.NewFactory(ctx, node)
	require.NoError(t, err)

	//all clients try to acquire the same lock concurrently
	const clients = 5
	results := make([]bool, clients)
	var wg sync.WaitGroup

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			l := factory.GetLock("contended-lock", lock.WithOwner(fmt.Sprintf("client-%d", idx)))
			ok, err := l.TryLock(ctx)
			assert.NoError(t, err)
			results[idx] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one client should hold the lock")
}

func TestLockLifecycleOverRaft(t *testing.T) {
	node := startSingleNode(t, "127.0.0.1:0")
	ctx := context.Background()

	factory, err := lock.NewFactory(ctx, node, lock.WithDefaultTTL(10*time.Second))
	require.NoError(t, err)

	a := factory.GetLock("orders", lock.WithOwner("a"))
	b := factory.GetLock("orders", lock.WithOwner("b"))

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "same owner is reentrant")

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.KeepAlive(ctx))
	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := node.Purge(ctx, "orders")
	require.NoError(t, err)
	require.True(t, removed)

	assert.ErrorIs(t, b.KeepAlive(ctx), types.ErrLeaseLost)
	assert.ErrorIs(t, b.Unlock(ctx), types.ErrLeaseLost)
	assert.Equal(t, lock.StateLost, b.State())
}

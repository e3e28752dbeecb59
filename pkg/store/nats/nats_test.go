package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/pixperk/leaselock/pkg/lock"
	"github.com/pixperk/leaselock/pkg/store"
	natsstore "github.com/pixperk/leaselock/pkg/store/nats"
	ltime "github.com/pixperk/leaselock/pkg/time"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStream(t *testing.T) *server.Server {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func connect(t *testing.T, s *server.Server) nats.JetStreamContext {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func newTestStore(t *testing.T) (store.LeaseStore, *natsstore.Backend, *ltime.Manual) {
	t.Helper()

	js := connect(t, runJetStream(t))
	require.NoError(t, natsstore.CreateBucket(js, "test"))

	clk := ltime.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b, err := natsstore.Bind(js, "test", natsstore.WithClock(clk))
	require.NoError(t, err)

	ops, err := b.Prepare(context.Background())
	require.NoError(t, err)
	return ops, b, clk
}

func TestNATSConditionalOps(t *testing.T) {
	ops, _, clk := newTestStore(t)
	ctx := context.Background()

	applied, current, err := ops.Acquire(ctx, "orders/eu", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Nil(t, current)

	applied, current, err = ops.Acquire(ctx, "orders/eu", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, current)
	assert.Equal(t, "a", current.Owner)
	assert.True(t, current.ExpiresAt.Equal(clk.Now().Add(time.Minute)))

	lease, found, err := ops.Inspect(ctx, "orders/eu")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", lease.Owner)
	assert.Equal(t, time.Minute, lease.TTL)

	renewed, err := ops.Renew(ctx, "orders/eu", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	clk.Advance(30 * time.Second)
	renewed, err = ops.Renew(ctx, "orders/eu", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	lease, _, err = ops.Inspect(ctx, "orders/eu")
	require.NoError(t, err)
	assert.True(t, lease.ExpiresAt.Equal(clk.Now().Add(time.Minute)))

	released, err := ops.Release(ctx, "orders/eu", "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = ops.Release(ctx, "orders/eu", "a")
	require.NoError(t, err)
	assert.True(t, released)

	_, found, err = ops.Inspect(ctx, "orders/eu")
	require.NoError(t, err)
	assert.False(t, found)

	applied, _, err = ops.Acquire(ctx, "orders/eu", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, applied, "a released name can be taken again")
}

func TestNATSExpiry(t *testing.T) {
	ops, _, clk := newTestStore(t)
	ctx := context.Background()

	applied, _, err := ops.Acquire(ctx, "cron", "a", time.Second)
	require.NoError(t, err)
	require.True(t, applied)

	clk.Advance(2 * time.Second)

	_, found, err := ops.Inspect(ctx, "cron")
	require.NoError(t, err)
	assert.False(t, found)

	renewed, err := ops.Renew(ctx, "cron", "a", time.Second)
	require.NoError(t, err)
	assert.False(t, renewed, "expired entry cannot be renewed")

	released, err := ops.Release(ctx, "cron", "a")
	require.NoError(t, err)
	assert.False(t, released)

	applied, _, err = ops.Acquire(ctx, "cron", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, applied, "expired entry is taken over")
}

func TestNATSValidation(t *testing.T) {
	ops, _, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := ops.Acquire(ctx, "orders", "a", 0)
	assert.ErrorIs(t, err, types.ErrInvalidTTL)

	_, _, err = ops.Acquire(ctx, "orders", "", time.Second)
	assert.ErrorIs(t, err, types.ErrInvalidOwner)

	_, err = ops.Renew(ctx, "", "a", time.Second)
	assert.ErrorIs(t, err, types.ErrInvalidName)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = ops.Acquire(cancelled, "orders", "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNATSLockLifecycle(t *testing.T) {
	_, b, clk := newTestStore(t)
	ctx := context.Background()

	factory, err := lock.NewFactory(ctx, b, lock.WithDefaultTTL(time.Second))
	require.NoError(t, err)

	a := factory.GetLock("batch", lock.WithOwner("a"))
	other := factory.GetLock("batch", lock.WithOwner("b"))

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(2 * time.Second)
	assert.ErrorIs(t, a.KeepAlive(ctx), types.ErrLeaseLost)

	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock(ctx))
}

func TestBindMissingBucket(t *testing.T) {
	js := connect(t, runJetStream(t))

	_, err := natsstore.Bind(js, "nope")
	assert.ErrorIs(t, err, types.ErrNamespaceNotFound)
}

func TestOpen(t *testing.T) {
	s := runJetStream(t)
	require.NoError(t, natsstore.CreateBucket(connect(t, s), ""))

	b, err := natsstore.Open(context.Background(), natsstore.Config{Servers: []string{s.Addr().String()}})
	require.NoError(t, err)
	defer b.Close()

	ops, err := b.Prepare(context.Background())
	require.NoError(t, err)

	applied, _, err := ops.Acquire(context.Background(), "x", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestOpenUnreachable(t *testing.T) {
	_, err := natsstore.Open(context.Background(), natsstore.Config{
		Servers: []string{"127.0.0.1:1"},
		Timeout: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}

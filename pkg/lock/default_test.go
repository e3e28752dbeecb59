package lock

import (
	"context"
	"testing"

	"github.com/pixperk/leaselock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessDefault(t *testing.T) {
	ResetDefault()
	t.Cleanup(func() { ResetDefault() })

	assert.Nil(t, Default())

	f, _, _ := newTestFactory(t)
	require.NoError(t, Initialize(f))
	assert.Same(t, f, Default())

	other, _, _ := newTestFactory(t)
	assert.ErrorIs(t, Initialize(other), types.ErrAlreadyInitialized)
	assert.Same(t, f, Default(), "second initialize must not replace the factory")

	assert.Same(t, f, ResetDefault())
	assert.Nil(t, Default())
	require.NoError(t, Initialize(other))
}

func TestFactoryContext(t *testing.T) {
	ResetDefault()
	t.Cleanup(func() { ResetDefault() })

	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))

	fallback, _, _ := newTestFactory(t)
	require.NoError(t, Initialize(fallback))
	assert.Same(t, fallback, FromContext(ctx))

	scoped, _, _ := newTestFactory(t)
	assert.Same(t, scoped, FromContext(NewContext(ctx, scoped)))
}

func TestDialUnknownBackend(t *testing.T) {
	_, err := Dial(context.Background(), Config{Backend: "zookeeper", Endpoints: "localhost"})
	assert.ErrorIs(t, err, types.ErrUnknownBackend)
}

func TestDialBadEndpoints(t *testing.T) {
	_, err := Dial(context.Background(), Config{Backend: BackendRedis, Endpoints: " , "})
	assert.Error(t, err)
}

func TestDialRejectsEndpointLists(t *testing.T) {
	for _, backend := range []string{BackendRedis, BackendMySQL} {
		_, err := Dial(context.Background(), Config{Backend: backend, Endpoints: "10.0.0.1,10.0.0.2"})
		require.Error(t, err, backend)
		assert.Contains(t, err.Error(), "single endpoint", backend)
	}

	addrs, err := singleEndpoint(BackendRedis, "10.0.0.1", 6379)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:6379"}, addrs)
}

func TestBackendName(t *testing.T) {
	assert.Equal(t, BackendCassandra, backendName(""))
	assert.Equal(t, BackendCassandra, backendName("CQL"))
	assert.Equal(t, BackendRedis, backendName(" redis "))
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/lock"
	"github.com/pixperk/leaselock/pkg/store/local"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("n2=10.0.0.2:7000, n3=10.0.0.3:7000")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"n2": "10.0.0.2:7000", "n3": "10.0.0.3:7000"}, peers)

	peers, err = parsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, err = parsePeers("n2")
	assert.Error(t, err)

	_, err = parsePeers("=10.0.0.2:7000")
	assert.Error(t, err)
}

func TestJoinClusterRetries(t *testing.T) {
	var calls atomic.Int32
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cluster/join", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, joinCluster(ctx, srv.URL, "node-2", "127.0.0.1:7001", hclog.NewNullLogger()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, map[string]string{"node_id": "node-2", "addr": "127.0.0.1:7001"}, got)
}

func TestAcquireWithin(t *testing.T) {
	f, err := lock.NewFactory(context.Background(), local.New())
	require.NoError(t, err)
	ctx := context.Background()

	holder := f.GetLock("jobs", lock.WithOwner("a"), lock.WithTTL(time.Second))
	require.NoError(t, acquireWithin(ctx, holder, 0))

	waiter := f.GetLock("jobs", lock.WithOwner("b"), lock.WithTTL(time.Second))
	err = acquireWithin(ctx, waiter, 0)
	assert.ErrorIs(t, err, errNotAcquired)

	go func() {
		time.Sleep(200 * time.Millisecond)
		holder.Unlock(context.Background())
	}()
	require.NoError(t, acquireWithin(ctx, waiter, 5*time.Second))
	assert.Equal(t, lock.StateHeld, waiter.State())
}

func TestLockCommandsAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store := []string{"--backend", "redis", "--endpoints", mr.Addr(), "--ttl", "1m"}

	out, err := execute(t, append([]string{"lock", "acquire", "jobs", "--owner", "a"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "acquired=true owner=a ttl=1m0s")
	assert.Equal(t, "a", mr.HGet("leaselock:lease:jobs", "owner"))

	out, err = execute(t, append([]string{"lock", "acquire", "jobs", "--owner", "b"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "acquired=false")

	out, err = execute(t, append([]string{"lock", "inspect", "jobs", "--owner", "b"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "held=true owner=a ttl=1m0s")

	_, err = execute(t, append([]string{"lock", "renew", "jobs", "--owner", "b"}, store...)...)
	assert.ErrorIs(t, err, types.ErrLeaseLost)

	out, err = execute(t, append([]string{"lock", "renew", "jobs", "--owner", "a"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "renewed=true")

	out, err = execute(t, append([]string{"lock", "release", "jobs", "--owner", "a"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "released=true")

	out, err = execute(t, append([]string{"lock", "inspect", "jobs", "--owner", "a"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "held=false")
}

func TestLockCommandUnknownBackend(t *testing.T) {
	_, err := execute(t, "lock", "inspect", "jobs", "--backend", "zookeeper", "--endpoints", "127.0.0.1")
	assert.ErrorIs(t, err, types.ErrUnknownBackend)
}

package client_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/leaselock/pkg/lock"
	"github.com/pixperk/leaselock/pkg/raft"
	"github.com/stretchr/testify/require"
)

// Run with: go test -run=Percentile -v ./pkg/client/

type latencyStats struct {
	samples []time.Duration
	mu      sync.Mutex
}

func (s *latencyStats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, d)
}

func (s *latencyStats) calculate() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return nil
	}

	sort.Slice(s.samples, func(i, j int) bool {
		return s.samples[i] < s.samples[j]
	})

	percentile := func(p float64) time.Duration {
		idx := int(float64(len(s.samples)) * p)
		if idx >= len(s.samples) {
			idx = len(s.samples) - 1
		}
		return s.samples[idx]
	}

	return map[string]time.Duration{
		"min": s.samples[0],
		"p50": percentile(0.50),
		"p90": percentile(0.90),
		"p99": percentile(0.99),
		"max": s.samples[len(s.samples)-1],
	}
}

// raft node behind grpc, reached through the client like a real deployment
func raftFactory(t *testing.T) *lock.Factory {
	t.Helper()

	node, err := raft.NewNode(raft.Config{
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })
	require.NoError(t, node.WaitForLeader(5*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond)

	c, err := dial(t, node, "bench", "bench")
	require.NoError(t, err)

	factory, err := lock.NewFactory(context.Background(), c, lock.WithDefaultTTL(10*time.Second))
	require.NoError(t, err)
	return factory
}

func TestPercentileSequential(t *testing.T) {
	if testing.Short() {
		t.Skip("latency sampling")
	}
	factory := raftFactory(t)
	ctx := context.Background()
	stats := &latencyStats{}

	l := factory.GetLock("percentile-lock-sequential")
	for i := 0; i < 200; i++ {
		start := time.Now()
		ok, err := l.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, l.Unlock(ctx))
		stats.record(time.Since(start))
	}

	printStats(t, "Sequential", stats)
}

func TestPercentileContention(t *testing.T) {
	if testing.Short() {
		t.Skip("latency sampling")
	}
	const numClients = 3
	factory := raftFactory(t)
	ctx := context.Background()
	stats := &latencyStats{}

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l := factory.GetLock("percentile-lock-contention", lock.WithOwner(fmt.Sprintf("contender-%d", id)))
			for j := 0; j < 50; j++ {
				start := time.Now()
				ok, err := l.TryLock(ctx)
				if err != nil || !ok {
					continue
				}
				time.Sleep(time.Millisecond) // simulate work
				l.Unlock(ctx)
				stats.record(time.Since(start))
			}
		}(i)
	}
	wg.Wait()

	printStats(t, "Contention", stats)
}

func printStats(t *testing.T, name string, stats *latencyStats) {
	percentiles := stats.calculate()
	if percentiles == nil {
		t.Logf("No data collected for %s", name)
		return
	}

	t.Logf("=== %s Latency Percentiles ===", name)
	t.Logf("  Samples: %d", len(stats.samples))
	t.Logf("  Min:     %v", percentiles["min"])
	t.Logf("  p50:     %v", percentiles["p50"])
	t.Logf("  p90:     %v", percentiles["p90"])
	t.Logf("  p99:     %v", percentiles["p99"])
	t.Logf("  Max:     %v", percentiles["max"])
}

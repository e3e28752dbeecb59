package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pixperk/leaselock/pkg/store/local"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/pixperk/leaselock/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeNode struct {
	*local.Store
	leader bool
}

func (n *fakeNode) IsLeader() bool { return n.leader }

func (n *fakeNode) Leader() (string, string) { return "10.0.0.1:7000", "node-1" }

func (n *fakeNode) NodeID() string { return "node-1" }

func (n *fakeNode) State() string {
	if n.leader {
		return "Leader"
	}
	return "Follower"
}

func startServer(t *testing.T, node Node) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer()
	Register(g, NewServer(node, "locks", nil))
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, method string, req *wire.Request) (*wire.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := new(wire.Response)
	err := conn.Invoke(ctx, method, req, resp)
	return resp, err
}

func TestLeaseOpsOverGRPC(t *testing.T) {
	conn := startServer(t, &fakeNode{Store: local.New(), leader: true})

	resp, err := call(t, conn, wire.MethodAcquire, &wire.Request{Name: "orders", Owner: "a", TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, resp.Applied)
	assert.Nil(t, resp.Lease)

	resp, err = call(t, conn, wire.MethodAcquire, &wire.Request{Name: "orders", Owner: "b", TTL: time.Minute})
	require.NoError(t, err)
	assert.False(t, resp.Applied)
	require.NotNil(t, resp.Lease, "refused acquire carries the holder")
	assert.Equal(t, "a", resp.Lease.Owner)

	resp, err = call(t, conn, wire.MethodInspect, &wire.Request{Name: "orders"})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, "a", resp.Lease.Owner)
	assert.Equal(t, time.Minute, resp.Lease.TTL)

	resp, err = call(t, conn, wire.MethodRenew, &wire.Request{Name: "orders", Owner: "b", TTL: time.Minute})
	require.NoError(t, err)
	assert.False(t, resp.Applied)

	resp, err = call(t, conn, wire.MethodRenew, &wire.Request{Name: "orders", Owner: "a", TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, resp.Applied)

	resp, err = call(t, conn, wire.MethodRelease, &wire.Request{Name: "orders", Owner: "a"})
	require.NoError(t, err)
	assert.True(t, resp.Applied)

	resp, err = call(t, conn, wire.MethodInspect, &wire.Request{Name: "orders"})
	require.NoError(t, err)
	assert.False(t, resp.Found)
}

func TestInvalidArguments(t *testing.T) {
	conn := startServer(t, &fakeNode{Store: local.New(), leader: true})

	_, err := call(t, conn, wire.MethodAcquire, &wire.Request{Name: "orders", Owner: "a"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "zero ttl")

	_, err = call(t, conn, wire.MethodInspect, &wire.Request{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFollowerRefuses(t *testing.T) {
	conn := startServer(t, &fakeNode{Store: local.New(), leader: false})

	_, err := call(t, conn, wire.MethodAcquire, &wire.Request{Name: "orders", Owner: "a", TTL: time.Minute})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "10.0.0.1:7000")

	//status still answers on followers
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := new(wire.StatusResponse)
	require.NoError(t, conn.Invoke(ctx, wire.MethodStatus, &wire.StatusRequest{}, st))
	assert.False(t, st.IsLeader)
	assert.Equal(t, "Follower", st.State)
	assert.Equal(t, "locks", st.Namespace)
	assert.Equal(t, "10.0.0.1:7000", st.LeaderAddress)
}

func TestStatus(t *testing.T) {
	node := &fakeNode{Store: local.New(), leader: true}
	conn := startServer(t, node)

	_, err := call(t, conn, wire.MethodAcquire, &wire.Request{Name: "a", Owner: "x", TTL: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := new(wire.StatusResponse)
	require.NoError(t, conn.Invoke(ctx, wire.MethodStatus, &wire.StatusRequest{}, st))

	assert.Equal(t, "node-1", st.NodeID)
	assert.True(t, st.IsLeader)
	assert.Equal(t, uint64(1), st.Leases)
}

func TestToGRPCError(t *testing.T) {
	assert.Nil(t, toGRPCError(nil))
	assert.Equal(t, codes.InvalidArgument, status.Code(toGRPCError(types.ErrInvalidTTL)))
	assert.Equal(t, codes.Unavailable, status.Code(toGRPCError(types.ErrNotLeader)))
	assert.Equal(t, codes.Unavailable, status.Code(toGRPCError(types.ErrStoreUnavailable)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toGRPCError(context.DeadlineExceeded)))
	assert.Equal(t, codes.Canceled, status.Code(toGRPCError(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(toGRPCError(assert.AnError)))
}

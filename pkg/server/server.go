package server

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/fsm"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Node is the replicated lease table a Server fronts, raft.Node in production.
type Node interface {
	store.LeaseStore
	IsLeader() bool
	Leader() (addr, id string)
	NodeID() string
	State() string
	Stats() fsm.Stats
}

type Server struct {
	node      Node
	namespace string
	logger    hclog.Logger
}

var _ LeaseStoreServer = (*Server)(nil)

// wraps the raft node into a grpc lease store
// namespace is reported by Status so clients can check they reached the right cluster
func NewServer(node Node, namespace string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		node:      node,
		namespace: namespace,
		logger:    logger.Named("grpc"),
	}
}

func (s *Server) Acquire(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if !s.node.IsLeader() {
		return nil, s.notLeader()
	}

	applied, current, err := s.node.Acquire(ctx, req.Name, req.Owner, req.TTL)
	if err != nil {
		return nil, s.fail("acquire", req, err)
	}

	return &wire.Response{
		Applied: applied,
		Found:   current != nil,
		Lease:   current,
	}, nil
}

func (s *Server) Inspect(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if !s.node.IsLeader() {
		return nil, s.notLeader()
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}

	lease, found, err := s.node.Inspect(ctx, req.Name)
	if err != nil {
		return nil, s.fail("inspect", req, err)
	}

	return &wire.Response{Found: found, Lease: lease}, nil
}

func (s *Server) Release(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if !s.node.IsLeader() {
		return nil, s.notLeader()
	}

	applied, err := s.node.Release(ctx, req.Name, req.Owner)
	if err != nil {
		return nil, s.fail("release", req, err)
	}

	return &wire.Response{Applied: applied}, nil
}

func (s *Server) Renew(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if !s.node.IsLeader() {
		return nil, s.notLeader()
	}

	applied, err := s.node.Renew(ctx, req.Name, req.Owner, req.TTL)
	if err != nil {
		return nil, s.fail("renew", req, err)
	}

	return &wire.Response{Applied: applied}, nil
}

func (s *Server) Status(ctx context.Context, req *wire.StatusRequest) (*wire.StatusResponse, error) {
	leaderAddr, _ := s.node.Leader()

	return &wire.StatusResponse{
		NodeID:        s.node.NodeID(),
		Namespace:     s.namespace,
		IsLeader:      s.node.IsLeader(),
		LeaderAddress: leaderAddr,
		State:         s.node.State(),
		Leases:        uint64(s.node.Stats().Leases),
	}, nil
}

func (s *Server) notLeader() error {
	addr, _ := s.node.Leader()
	return notLeaderError(addr)
}

func (s *Server) fail(op string, req *wire.Request, err error) error {
	s.logger.Debug("lease op failed", "op", op, "name", req.Name, "owner", req.Owner, "error", err)
	return toGRPCError(err)
}

package server

import (
	"context"
	"errors"

	"github.com/pixperk/leaselock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to grpc status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, types.ErrInvalidName),
		errors.Is(err, types.ErrInvalidOwner),
		errors.Is(err, types.ErrInvalidTTL):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, types.ErrNotLeader):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, types.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// returns a not leader error naming the current leader address
func notLeaderError(leaderAddr string) error {
	if leaderAddr == "" {
		return status.Errorf(codes.Unavailable, "%s: no leader elected", types.ErrNotLeader)
	}
	return status.Errorf(codes.Unavailable, "%s: leader is at %s", types.ErrNotLeader, leaderAddr)
}

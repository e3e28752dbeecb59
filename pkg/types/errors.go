package types

import (
	"errors"
	"fmt"
)

var (
	// Lease errors
	ErrLeaseLost    = errors.New("lease lost by owner")
	ErrInvalidTTL   = errors.New("invalid lease TTL")
	ErrInvalidName  = errors.New("invalid lease name")
	ErrInvalidOwner = errors.New("invalid lease owner")

	// Store errors
	ErrStoreUnavailable  = errors.New("lease store unavailable")
	ErrNamespaceNotFound = errors.New("lease store namespace not found")
	ErrUnknownBackend    = errors.New("unknown lease store backend")
	ErrNotLeader         = errors.New("node is not the leader")

	// Factory errors
	ErrAlreadyInitialized = errors.New("lock factory already initialized")
)

// returned by unlock and keepalive when the stored owner no longer matches
// expired and reclaimed leases are reported the same way
type LeaseLostError struct {
	Op    string
	Name  string
	Owner string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("%s %q: lease lost by owner %q", e.Op, e.Name, e.Owner)
}

// lets errors.Is(err, ErrLeaseLost) match
func (e *LeaseLostError) Is(target error) bool {
	return target == ErrLeaseLost
}

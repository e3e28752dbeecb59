package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/leaselock/pkg/types"
)

// manages the lease table
// critical :
// - at most one live record per name
// - conditional ops compare owners here, never on the client
// - expiry is decided with the command's timestamp so replicas agree
type FSM struct {
	mu sync.RWMutex

	leases map[string]*types.Lease // lease name -> Lease

	applied uint64 // number of commands applied
}

func NewFSM() *FSM {
	return &FSM{
		leases: make(map[string]*types.Lease),
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied++

	switch c := cmd.(type) {
	case types.AcquireCmd:
		return f.applyAcquire(c)
	case types.InspectCmd:
		return f.applyInspect(c)
	case types.ReleaseCmd:
		return f.applyRelease(c)
	case types.RenewCmd:
		return f.applyRenew(c)
	case types.SweepCmd:
		return f.applySweep(c)
	case types.PurgeCmd:
		return f.applyPurge(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returns the live record for name, dropping it if it expired at now
func (f *FSM) live(name string, now time.Time) (*types.Lease, bool) {
	lease, exists := f.leases[name]
	if !exists {
		return nil, false
	}
	if lease.IsExpired(now) {
		delete(f.leases, name)
		return nil, false
	}
	return lease, true
}

// returned by acquire
// Current is the row after the command: ours when applied, the holder's otherwise
type AcquireResponse struct {
	Applied bool
	Current types.Lease
}

func (f *FSM) applyAcquire(cmd types.AcquireCmd) (any, error) {
	if err := validate(cmd.Name, cmd.Owner, cmd.TTL); err != nil {
		return nil, err
	}

	//held and not expired, report the holder
	if existing, held := f.live(cmd.Name, cmd.Now); held {
		return AcquireResponse{
			Applied: false,
			Current: *existing,
		}, nil
	}

	lease := &types.Lease{
		Name:      cmd.Name,
		Owner:     cmd.Owner,
		TTL:       cmd.TTL,
		ExpiresAt: cmd.Now.Add(cmd.TTL),
	}
	f.leases[cmd.Name] = lease

	return AcquireResponse{
		Applied: true,
		Current: *lease,
	}, nil
}

// returned by inspect
type InspectResponse struct {
	Found bool
	Lease types.Lease
}

func (f *FSM) applyInspect(cmd types.InspectCmd) (any, error) {
	if err := types.ValidateName(cmd.Name); err != nil {
		return nil, err
	}

	lease, found := f.live(cmd.Name, cmd.Now)
	if !found {
		return InspectResponse{}, nil
	}
	return InspectResponse{Found: true, Lease: *lease}, nil
}

// returned by release
type ReleaseResponse struct {
	Applied bool
}

func (f *FSM) applyRelease(cmd types.ReleaseCmd) (any, error) {
	if err := types.ValidateName(cmd.Name); err != nil {
		return nil, err
	}

	lease, held := f.live(cmd.Name, cmd.Now)
	if !held || lease.Owner != cmd.Owner {
		return ReleaseResponse{Applied: false}, nil
	}

	delete(f.leases, cmd.Name)
	return ReleaseResponse{Applied: true}, nil
}

// returned by renew
type RenewResponse struct {
	Applied   bool
	ExpiresAt time.Time
}

func (f *FSM) applyRenew(cmd types.RenewCmd) (any, error) {
	if err := validate(cmd.Name, cmd.Owner, cmd.TTL); err != nil {
		return nil, err
	}

	//if already expired, cannot renew
	lease, held := f.live(cmd.Name, cmd.Now)
	if !held || lease.Owner != cmd.Owner {
		return RenewResponse{Applied: false}, nil
	}

	lease.Owner = cmd.Owner
	lease.TTL = cmd.TTL
	lease.ExpiresAt = cmd.Now.Add(cmd.TTL)

	return RenewResponse{
		Applied:   true,
		ExpiresAt: lease.ExpiresAt,
	}, nil
}

// returned by sweep
type SweepResponse struct {
	Expired int
}

func (f *FSM) applySweep(cmd types.SweepCmd) (any, error) {
	expired := 0
	for name, lease := range f.leases {
		if lease.IsExpired(cmd.Now) {
			delete(f.leases, name)
			expired++
		}
	}
	return SweepResponse{Expired: expired}, nil
}

// returned by purge
type PurgeResponse struct {
	Removed bool
}

func (f *FSM) applyPurge(cmd types.PurgeCmd) (any, error) {
	_, exists := f.leases[cmd.Name]
	delete(f.leases, cmd.Name)
	return PurgeResponse{Removed: exists}, nil
}

func validate(name, owner string, ttl time.Duration) error {
	if err := types.ValidateName(name); err != nil {
		return err
	}
	if err := types.ValidateOwner(owner); err != nil {
		return err
	}
	return types.ValidateTTL(ttl)
}

// returns a copy of the stored record by name, expired or not
func (f *FSM) GetLease(name string) (types.Lease, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	lease, exists := f.leases[name]
	if !exists {
		return types.Lease{}, false
	}
	return *lease, true
}

// current fsm stats
type Stats struct {
	Leases  int
	Applied uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Leases:  len(f.leases),
		Applied: f.applied,
	}
}

// returns the names of all leases that have expired at now
func (f *FSM) ExpiredLeases(now time.Time) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []string
	for name, lease := range f.leases {
		if lease.IsExpired(now) {
			expired = append(expired, name)
		}
	}

	return expired
}

// Package raft replicates the lease table with hashicorp/raft. A Node is a
// store.Backend: every conditional operation, reads included, is committed
// through the log so the answer is linearizable.
package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/leaselock/pkg/fsm"
	"github.com/pixperk/leaselock/pkg/metrics"
	"github.com/pixperk/leaselock/pkg/storage"
	"github.com/pixperk/leaselock/pkg/store"
	ltime "github.com/pixperk/leaselock/pkg/time"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/pixperk/leaselock/pkg/wire"
)

const (
	DefaultApplyTimeout  = 5 * time.Second
	DefaultSweepInterval = time.Second
)

// wraps a raft inst with the lease fsm and provides a clean api
type Node struct {
	raft    *raft.Raft
	fsm     *fsm.FSM
	raftFSM *fsm.RaftFSM
	storage *storage.Storage
	cfg     Config
	logger  hclog.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type Config struct {
	NodeID    string //unique id for this node, random when empty
	BindAddr  string //net addr to bind raft communication
	Advertise string //addr peers dial, BindAddr when empty
	DataDir   string //data directory for raft storage
	Bootstrap bool   //if this is the first node in the cluster

	// other voters for the initial configuration, id -> raft addr
	// only read when Bootstrap is set
	Peers map[string]string

	Logger        hclog.Logger
	Clock         ltime.Clock   //stamps commands, system clock when nil
	ApplyTimeout  time.Duration //upper bound for one log commit
	SweepInterval time.Duration //how often the leader purges expired records
}

func (c *Config) setDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Clock == nil {
		c.Clock = ltime.System()
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

var _ store.Backend = (*Node)(nil)
var _ store.LeaseStore = (*Node)(nil)

func NewNode(cfg Config) (*Node, error) {
	cfg.setDefaults()
	logger := cfg.Logger.Named("raft").With("node", cfg.NodeID)

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	disk, err := storage.Open(storage.Config{DataDir: cfg.DataDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	//port 0 lets the listener pick, the transport then advertises what it bound
	var advertise net.Addr
	if addr.Port != 0 && !addr.IP.IsUnspecified() {
		advertise = addr
	}
	if cfg.Advertise != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.Advertise)
		if err != nil {
			disk.Close()
			return nil, fmt.Errorf("failed to resolve advertise addr: %w", err)
		}
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	existing, err := disk.HasExistingState()
	if err != nil {
		transport.Close()
		disk.Close()
		return nil, fmt.Errorf("failed to read raft state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, disk.LogStore, disk.StableStore, disk.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		disk.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap only a fresh node, a restart recovers its configuration from disk
	if cfg.Bootstrap && !existing {
		servers := []raft.Server{{
			ID:      raftCfg.LocalID,
			Address: transport.LocalAddr(),
		}}
		for id, peerAddr := range cfg.Peers {
			if id == cfg.NodeID {
				continue
			}
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(id),
				Address: raft.ServerAddress(peerAddr),
			})
		}

		if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
			logger.Warn("bootstrap failed", "error", err)
		}
	}

	n := &Node{
		raft:    r,
		fsm:     raftFSM.GetFSM(),
		raftFSM: raftFSM,
		storage: disk,
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	n.wg.Add(1)
	go n.sweepLoop()

	logger.Info("raft node started", "addr", transport.LocalAddr(), "bootstrap", cfg.Bootstrap && !existing)
	return n, nil
}

// apply a command to the raft cluster and return the fsm result
func (n *Node) Apply(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !n.IsLeader() {
		return nil, n.notLeader()
	}

	data, err := wire.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	timeout := n.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	//replicate to cluster via raft
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, n.notLeader()
		}
		return nil, fmt.Errorf("%w: failed to apply command: %v", types.ErrStoreUnavailable, err)
	}

	//the fsm hands back validation errors as values
	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	default:
		return resp, nil
	}
}

func (n *Node) notLeader() error {
	addr, id := n.Leader()
	if addr == "" {
		return fmt.Errorf("%w: no leader elected", types.ErrNotLeader)
	}
	return fmt.Errorf("%w: leader is %s at %s", types.ErrNotLeader, id, addr)
}

// the node is its own prepared operation set
func (n *Node) Prepare(ctx context.Context) (store.LeaseStore, error) {
	return n, nil
}

func (n *Node) Close() error {
	return n.Shutdown()
}

func (n *Node) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	result, err := n.Apply(ctx, types.AcquireCmd{Name: name, Owner: owner, TTL: ttl, Now: n.cfg.Clock.Now()})
	if err != nil {
		return false, nil, err
	}
	resp := result.(fsm.AcquireResponse)
	if resp.Applied {
		return true, nil, nil
	}
	return false, &resp.Current, nil
}

func (n *Node) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	result, err := n.Apply(ctx, types.InspectCmd{Name: name, Now: n.cfg.Clock.Now()})
	if err != nil {
		return nil, false, err
	}
	resp := result.(fsm.InspectResponse)
	if !resp.Found {
		return nil, false, nil
	}
	return &resp.Lease, true, nil
}

func (n *Node) Release(ctx context.Context, name, owner string) (bool, error) {
	result, err := n.Apply(ctx, types.ReleaseCmd{Name: name, Owner: owner, Now: n.cfg.Clock.Now()})
	if err != nil {
		return false, err
	}
	return result.(fsm.ReleaseResponse).Applied, nil
}

func (n *Node) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	result, err := n.Apply(ctx, types.RenewCmd{Name: name, Owner: owner, TTL: ttl, Now: n.cfg.Clock.Now()})
	if err != nil {
		return false, err
	}
	return result.(fsm.RenewResponse).Applied, nil
}

// removes a record regardless of owner, for operators reclaiming a stuck lease
func (n *Node) Purge(ctx context.Context, name string) (bool, error) {
	result, err := n.Apply(ctx, types.PurgeCmd{Name: name})
	if err != nil {
		return false, err
	}
	return result.(fsm.PurgeResponse).Removed, nil
}

// purges expired records, leader only
func (n *Node) Sweep(ctx context.Context) (int, error) {
	result, err := n.Apply(ctx, types.SweepCmd{Now: n.cfg.Clock.Now()})
	if err != nil {
		return 0, err
	}
	return result.(fsm.SweepResponse).Expired, nil
}

func (n *Node) sweepLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.updateMetrics()
			if !n.IsLeader() {
				continue
			}
			//skip the log write when nothing expired
			if len(n.fsm.ExpiredLeases(n.cfg.Clock.Now())) == 0 {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ApplyTimeout)
			expired, err := n.Sweep(ctx)
			cancel()
			if err != nil {
				n.logger.Warn("sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				metrics.LeaseExpireTotal.Add(float64(expired))
				n.logger.Debug("swept expired leases", "count", expired)
			}

		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) updateMetrics() {
	if n.IsLeader() {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	metrics.RaftPeers.Set(float64(n.ClusterSize()))
	metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))
	metrics.LeasesActive.Set(float64(n.fsm.Stats().Leases))
}

// adds a voter to the cluster, must be called on the leader
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, n.cfg.ApplyTimeout).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	n.logger.Info("voter joined", "peer", nodeID, "addr", addr)
	return nil
}

// removes a server from the cluster, must be called on the leader
func (n *Node) Leave(nodeID string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.cfg.ApplyTimeout).Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	n.logger.Info("server left", "peer", nodeID)
	return nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's raft address and id, empty when unknown
func (n *Node) Leader() (addr, id string) {
	leaderAddr, leaderID := n.raft.LeaderWithID()
	return string(leaderAddr), string(leaderID)
}

func (n *Node) NodeID() string {
	return n.cfg.NodeID
}

// follower, candidate, leader or shutdown
func (n *Node) State() string {
	return n.raft.State().String()
}

// number of servers in the current configuration
func (n *Node) ClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within %s", timeout)
		case <-ticker.C:
			if addr, _ := n.Leader(); addr != "" {
				return nil
			}
		}
	}
}

// returns fsm statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the raft node
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()

		err = n.raft.Shutdown().Error()
		if cerr := n.storage.Close(); err == nil {
			err = cerr
		}
		metrics.RaftIsLeader.Set(0)
	})
	return err
}

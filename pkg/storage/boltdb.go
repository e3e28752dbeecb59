// Package storage holds the durable raft state of a lease server node.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	dbFile      = "leases-raft.db"
	snapshotDir = "snapshots"

	// lease tables are small, a few snapshots are plenty
	DefaultRetainSnapshots = 3
)

// Storage bundles what raft needs on disk for one node
// log : replicated lease commands
// stable : current term and vote, survives restarts
// snapshots : point in time copies of the lease table
type Storage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	bolt *raftboltdb.BoltStore
}

type Config struct {
	DataDir         string
	RetainSnapshots int
	Logger          hclog.Logger
}

func Open(cfg Config) (*Storage, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("storage: empty data dir")
	}
	if cfg.RetainSnapshots <= 0 {
		cfg.RetainSnapshots = DefaultRetainSnapshots
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	//one bolt file serves as both log and stable store
	bolt, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(cfg.DataDir, dbFile),
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(
		filepath.Join(cfg.DataDir, snapshotDir),
		cfg.RetainSnapshots,
		cfg.Logger.Named("snapshot"),
	)
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &Storage{
		LogStore:      bolt,
		StableStore:   bolt,
		SnapshotStore: snapshots,
		bolt:          bolt,
	}, nil
}

// reports whether a previous run left raft state behind,
// a restarted node must not bootstrap again
func (s *Storage) HasExistingState() (bool, error) {
	return raft.HasExistingState(s.LogStore, s.StableStore, s.SnapshotStore)
}

func (s *Storage) Close() error {
	return s.bolt.Close()
}

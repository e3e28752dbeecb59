package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/pixperk/leaselock/pkg/wire"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// the lease table behind the adapter
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command from the log entry
	cmd, err := wire.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply it to the lease table
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Leases:  make(map[string]*types.Lease, len(rf.fsm.leases)),
		Applied: rf.fsm.applied,
	}

	//deep copy leases
	for name, lease := range rf.fsm.leases {
		leaseCopy := *lease
		snapshot.Leases[name] = &leaseCopy
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}
	if snap.Leases == nil {
		snap.Leases = make(map[string]*types.Lease)
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.leases = snap.Leases
	rf.fsm.applied = snap.Applied

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Leases  map[string]*types.Lease `json:"leases"`
	Applied uint64                  `json:"applied"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}

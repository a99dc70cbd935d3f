package common

import "fmt"

// Key is an opaque byte string. Values are stored alongside a master region
// and a counter that advances on every successful remaster.
type Key = string

type (
	TxnID   uint64
	BatchID uint64
	SlotID  uint32
)

// Channel identifies the module a message is addressed to. Channel numbers
// are part of the wire contract between machines.
type Channel int32

const (
	ServerChannel Channel = iota + 1
	ForwarderChannel
	SequencerChannel
	MultiHomeOrdererChannel
	InterleaverChannel
	SchedulerChannel
	LocalPaxosChannel
	GlobalPaxosChannel
)

// WorkerChannelOffset is the base channel for per-worker delivery. Worker i
// of a scheduler listens on WorkerChannelOffset + i.
const WorkerChannelOffset Channel = 100

// MaxNumMachines bounds the machine numbering space. Txn ids and batch ids
// are built as counter*MaxNumMachines + machine number, which keeps them
// globally unique without coordination.
const MaxNumMachines = 1000

// PaxosDefaultLeaderPosition is the index within a Paxos group's member list
// of the pre-elected leader. There is no re-election.
const PaxosDefaultLeaderPosition = 0

// DefaultLockTableSizeLimit caps the number of entries kept in a lock table.
// UNLOCKED entries beyond the limit are evicted on release.
const DefaultLockTableSizeLimit = 1_000_000

// DefaultMasterRegionOfNewKey is assigned to keys that do not exist yet when
// a forwarder looks up their master.
const DefaultMasterRegionOfNewKey uint32 = 0

// MachineID identifies one machine in the R regions x P partitions grid.
type MachineID struct {
	Replica   uint32 `msgpack:"r"`
	Partition uint32 `msgpack:"p"`
}

func (m MachineID) String() string {
	return fmt.Sprintf("%d:%d", m.Replica, m.Partition)
}

// Num flattens the id into [0, numReplicas*numPartitions).
func (m MachineID) Num(numPartitions uint32) uint32 {
	return m.Replica*numPartitions + m.Partition
}

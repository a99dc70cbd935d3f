package paxos

import (
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

// NewLocalPaxos builds the per-region group that orders the partition ids of
// single-home batches. Every machine of the local region is a member; each
// commit feeds the interleaver of the member's machine.
func NewLocalPaxos(config *cfg.Configuration, sender *broker.Sender) *SimpleMultiPaxos {
	members := make([]common.MachineID, 0, config.NumPartitions)
	for p := uint32(0); p < config.NumPartitions; p++ {
		members = append(members, common.MachineID{Replica: config.Local.Replica, Partition: p})
	}

	return New(
		"local-paxos",
		sender,
		common.LocalPaxosChannel,
		members,
		config.Local,
		func(slot common.SlotID, value uint32) {
			sender.SendLocal(&broker.Request{
				LocalQueueOrder: &broker.LocalQueueOrder{Slot: slot, QueueID: value},
			}, common.InterleaverChannel)
		},
	)
}

// NewGlobalPaxos builds the cross-region group that orders multi-home
// batches. One designated partition per region is a member; each commit
// feeds the member machine's multi-home orderer.
func NewGlobalPaxos(config *cfg.Configuration, sender *broker.Sender) *SimpleMultiPaxos {
	part := config.LeaderPartitionForMultiHomeOrdering()
	members := make([]common.MachineID, 0, config.NumReplicas())
	for r := 0; r < config.NumReplicas(); r++ {
		members = append(members, common.MachineID{Replica: uint32(r), Partition: part})
	}

	return New(
		"global-paxos",
		sender,
		common.GlobalPaxosChannel,
		members,
		config.Local,
		func(slot common.SlotID, value uint32) {
			sender.SendLocal(&broker.Request{
				ForwardBatch: &broker.ForwardBatch{
					BatchOrder: &broker.BatchOrder{Slot: slot, BatchID: common.BatchID(value)},
				},
			}, common.MultiHomeOrdererChannel)
		},
	)
}

package scheduler

import (
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/common"
)

// TxnHolder tracks one transaction inside the scheduler: the parent record,
// the worker assigned to it, remote reads that arrived before dispatch, and
// the lock-only join state of multi-home txns.
type TxnHolder struct {
	txn *common.Transaction

	keysInPartition    []common.KeyMode
	involvedPartitions []uint32
	activePartitions   []uint32
	involvedReplicas   []uint32

	// worker index owning the txn; -1 before dispatch.
	worker int

	earlyRemoteReads []*broker.RemoteReadResult

	// Multi-home join state. The holder is garbage collected only after the
	// worker finished and every expected lock-only sub-txn has been seen.
	expectedLockOnlys int
	numLockOnlys      int

	aborted     bool
	abortReason string
	dispatched  bool
	done        bool
}

func newTxnHolder() *TxnHolder {
	return &TxnHolder{worker: -1}
}

// SetTxn attaches the parent record and derives its partition footprint.
func (h *TxnHolder) SetTxn(
	txn *common.Transaction,
	partitioner common.Partitioner,
	localPartition uint32,
) {
	h.txn = txn
	h.keysInPartition = common.KeysInPartition(txn, partitioner, localPartition)
	h.involvedPartitions = txn.InvolvedPartitions(partitioner)
	h.involvedReplicas = txn.InvolvedReplicas()
	if txn.Type == common.MultiHome {
		h.expectedLockOnlys = len(h.involvedReplicas)
	}

	seen := make(map[uint32]struct{})
	for k := range txn.WriteSet {
		seen[partitioner.PartitionOf(k)] = struct{}{}
	}
	h.activePartitions = h.activePartitions[:0]
	for _, p := range h.involvedPartitions {
		if _, ok := seen[p]; ok {
			h.activePartitions = append(h.activePartitions, p)
		}
	}
}

func (h *TxnHolder) Txn() *common.Transaction {
	return h.txn
}

func (h *TxnHolder) KeysInPartition() []common.KeyMode {
	return h.keysInPartition
}

func (h *TxnHolder) InvolvedPartitions() []uint32 {
	return h.involvedPartitions
}

// ActivePartitions are the involved partitions that write; only they wait
// for remote reads.
func (h *TxnHolder) ActivePartitions() []uint32 {
	return h.activePartitions
}

func (h *TxnHolder) InvolvedReplicas() []uint32 {
	return h.involvedReplicas
}

func (h *TxnHolder) isActive(partition uint32) bool {
	for _, p := range h.activePartitions {
		if p == partition {
			return true
		}
	}
	return false
}

// joinComplete reports whether every expected lock-only sub-txn has passed
// through the scheduler.
func (h *TxnHolder) joinComplete() bool {
	return h.txn != nil && h.numLockOnlys >= h.expectedLockOnlys
}

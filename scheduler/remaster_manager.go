package scheduler

import (
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
)

// VerifyMasterResult is the outcome of checking a txn's master metadata
// against storage.
type VerifyMasterResult int

const (
	// VerifyValid: counters match; the txn may proceed to lock acquisition.
	VerifyValid VerifyMasterResult = iota
	// VerifyWaiting: the txn was forwarded with a counter ahead of storage; a
	// remaster is expected but has not reached this replica's log yet.
	VerifyWaiting
	// VerifyAbort: the txn was forwarded with stale metadata; a remaster has
	// happened since.
	VerifyAbort
)

// RemasterOccurredResult lists the parked txns whose verdict changed because
// of a remaster or a release.
type RemasterOccurredResult struct {
	Unblocked   []*common.Transaction
	ShouldAbort []*common.Transaction
}

// SimpleRemasterManager parks txns whose master counters run ahead of
// storage. Per local log (identified by the txn's home region) it keeps a
// FIFO queue; only the queue head is ever re-evaluated, which preserves the
// log order of txns from the same home.
type SimpleRemasterManager struct {
	store          storage.Storage
	partitioner    common.Partitioner
	localPartition uint32

	// blocked queues, keyed by home region.
	blocked map[uint32][]*common.Transaction
}

func NewSimpleRemasterManager(
	store storage.Storage,
	partitioner common.Partitioner,
	localPartition uint32,
) *SimpleRemasterManager {
	return &SimpleRemasterManager{
		store:          store,
		partitioner:    partitioner,
		localPartition: localPartition,
		blocked:        make(map[uint32][]*common.Transaction),
	}
}

// VerifyMaster checks the txn's counters. A WAITING verdict parks the txn;
// it will resurface through RemasterOccurred or ReleaseTransaction. A txn
// that finds its home's queue non-empty is appended unconditionally so that
// arrival order is preserved.
func (rm *SimpleRemasterManager) VerifyMaster(txn *common.Transaction) VerifyMasterResult {
	keys := common.KeysInPartition(txn, rm.partitioner, rm.localPartition)
	if len(keys) == 0 {
		return VerifyValid
	}
	if len(txn.MasterMetadata) == 0 {
		// Only test fixtures submit txns without metadata.
		log.Warn().Uint64("txn", uint64(txn.ID)).Msg("Master metadata empty")
		return VerifyValid
	}

	home := txn.HomeReplica()
	if len(rm.blocked[home]) > 0 {
		rm.blocked[home] = append(rm.blocked[home], txn)
		return VerifyWaiting
	}

	result := rm.checkCounters(txn)
	if result == VerifyWaiting {
		rm.blocked[home] = append(rm.blocked[home], txn)
	}
	return result
}

func (rm *SimpleRemasterManager) checkCounters(txn *common.Transaction) VerifyMasterResult {
	return CheckCounters(txn, rm.store, rm.partitioner, rm.localPartition)
}

// CheckCounters compares a txn's declared counters against storage for every
// key in the given partition. A master mismatch at equal counters is an
// integrity violation and aborts the process. Shared by the remaster manager
// and the worker, which re-checks at read time.
func CheckCounters(
	txn *common.Transaction,
	store storage.Storage,
	partitioner common.Partitioner,
	localPartition uint32,
) VerifyMasterResult {
	for _, km := range common.KeysInPartition(txn, partitioner, localPartition) {
		md, ok := txn.MasterMetadata[km.Key]
		if !ok {
			continue
		}
		txnCounter := md.Counter
		newMasterLockOnly := txn.Remaster != nil && txn.Remaster.IsNewMasterLockOnly
		if newMasterLockOnly {
			// The lock-only of the region becoming the new master runs after
			// the remaster itself has bumped the counter.
			txnCounter++
		}

		var storageCounter uint32
		if record, found := store.Read(km.Key); found {
			storageCounter = record.Metadata.Counter
			if txnCounter == storageCounter && !newMasterLockOnly &&
				md.Master != record.Metadata.Master {
				log.Fatal().
					Str("key", km.Key).
					Uint32("txn_master", md.Master).
					Uint32("storage_master", record.Metadata.Master).
					Msg("Masters do not match for the same key")
			}
		}

		if txnCounter < storageCounter {
			return VerifyAbort
		}
		if txnCounter > storageCounter {
			return VerifyWaiting
		}
	}
	return VerifyValid
}

// RemasterOccurred re-evaluates the head of every queue whose head touches
// the remastered key. Multiple queues can reference the same key with
// different counters.
func (rm *SimpleRemasterManager) RemasterOccurred(key common.Key, _ uint32) RemasterOccurredResult {
	var result RemasterOccurredResult
	for home, queue := range rm.blocked {
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		if rm.txnTouches(head, key) {
			rm.tryToUnblock(home, &result)
		}
	}
	return result
}

func (rm *SimpleRemasterManager) txnTouches(txn *common.Transaction, key common.Key) bool {
	for _, km := range common.KeysInPartition(txn, rm.partitioner, rm.localPartition) {
		if km.Key == key {
			return true
		}
	}
	return false
}

func (rm *SimpleRemasterManager) tryToUnblock(home uint32, result *RemasterOccurredResult) {
	queue := rm.blocked[home]
	if len(queue) == 0 {
		return
	}

	head := queue[0]
	switch rm.checkCounters(head) {
	case VerifyWaiting:
		return
	case VerifyValid:
		result.Unblocked = append(result.Unblocked, head)
	case VerifyAbort:
		result.ShouldAbort = append(result.ShouldAbort, head)
	}

	rm.blocked[home] = queue[1:]
	// The head changed; the next txn may be unblockable too.
	rm.tryToUnblock(home, result)
}

// ReleaseTransaction removes a txn from wherever it is parked and
// re-evaluates any queue head exposed by the removal. The released txn never
// appears in the returned result.
func (rm *SimpleRemasterManager) ReleaseTransaction(txnID common.TxnID) RemasterOccurredResult {
	var result RemasterOccurredResult
	for home, queue := range rm.blocked {
		removedHead := false
		kept := queue[:0]
		for i, txn := range queue {
			if txn.ID == txnID {
				if i == 0 {
					removedHead = true
				}
				continue
			}
			kept = append(kept, txn)
		}
		rm.blocked[home] = kept
		if removedHead {
			rm.tryToUnblock(home, &result)
		}
	}
	return result
}

// NumBlocked counts parked txns across all queues.
func (rm *SimpleRemasterManager) NumBlocked() int {
	n := 0
	for _, queue := range rm.blocked {
		n += len(queue)
	}
	return n
}

package scheduler

import (
	"sort"

	"github.com/ctring/slog/common"
)

type waiter struct {
	txnID common.TxnID
	mode  common.LockMode
}

// LockState is the locking state of one key: the txns holding the lock, the
// queue of txns waiting for it, and the mode. The waiter queue's insertion
// order is part of the state; waiters is a membership index over it.
type LockState struct {
	mode    common.LockMode
	holders map[common.TxnID]struct{}
	waiters map[common.TxnID]struct{}
	queue   []waiter
}

func newLockState() *LockState {
	return &LockState{
		holders: make(map[common.TxnID]struct{}),
		waiters: make(map[common.TxnID]struct{}),
	}
}

func (s *LockState) AcquireReadLock(txnID common.TxnID) bool {
	switch s.mode {
	case common.Unlocked:
		s.holders[txnID] = struct{}{}
		s.mode = common.ReadLock
		return true
	case common.ReadLock:
		if len(s.queue) == 0 {
			s.holders[txnID] = struct{}{}
			return true
		}
		// A WRITE request is already queued; queueing behind it preserves
		// first-arrival fairness.
		s.enqueue(txnID, common.ReadLock)
		return false
	case common.WriteLock:
		s.enqueue(txnID, common.ReadLock)
		return false
	}
	return false
}

func (s *LockState) AcquireWriteLock(txnID common.TxnID) bool {
	switch s.mode {
	case common.Unlocked:
		s.holders[txnID] = struct{}{}
		s.mode = common.WriteLock
		return true
	case common.ReadLock, common.WriteLock:
		s.enqueue(txnID, common.WriteLock)
		return false
	}
	return false
}

func (s *LockState) enqueue(txnID common.TxnID, mode common.LockMode) {
	s.waiters[txnID] = struct{}{}
	s.queue = append(s.queue, waiter{txnID: txnID, mode: mode})
}

// IsQueued reports whether the txn already holds or waits for this lock.
func (s *LockState) IsQueued(txnID common.TxnID) bool {
	if _, ok := s.holders[txnID]; ok {
		return true
	}
	_, ok := s.waiters[txnID]
	return ok
}

// Release removes the txn from the entry and promotes waiters. The returned
// set contains the new holders if a promotion happened, nil otherwise.
func (s *LockState) Release(txnID common.TxnID) map[common.TxnID]struct{} {
	if _, held := s.holders[txnID]; !held {
		// Not a holder: drop it from the waiter queue only.
		kept := s.queue[:0]
		for _, w := range s.queue {
			if w.txnID != txnID {
				kept = append(kept, w)
			}
		}
		s.queue = kept
		delete(s.waiters, txnID)
		return nil
	}

	delete(s.holders, txnID)

	if len(s.holders) > 0 {
		return nil
	}
	if len(s.queue) == 0 {
		s.mode = common.Unlocked
		return nil
	}

	if s.queue[0].mode == common.ReadLock {
		// Promote the maximal run of READ waiters at the head together.
		for len(s.queue) > 0 && s.queue[0].mode == common.ReadLock {
			next := s.queue[0].txnID
			s.holders[next] = struct{}{}
			delete(s.waiters, next)
			s.queue = s.queue[1:]
		}
		s.mode = common.ReadLock
	} else {
		next := s.queue[0].txnID
		s.holders[next] = struct{}{}
		delete(s.waiters, next)
		s.queue = s.queue[1:]
		s.mode = common.WriteLock
	}
	return s.holders
}

// DeterministicLockManager grants locks in the order transactions request
// them: if txn X appears before txn Y in the log, X gets every contended
// lock before Y. Its outputs depend only on the request order, so every
// replica running the same log reaches identical decisions.
type DeterministicLockManager struct {
	partitioner    common.Partitioner
	localPartition uint32

	lockTable      map[common.Key]*LockState
	numLocksWaited map[common.TxnID]int

	sizeLimit int
}

func NewDeterministicLockManager(
	partitioner common.Partitioner,
	localPartition uint32,
	sizeLimit int,
) *DeterministicLockManager {
	if sizeLimit <= 0 {
		sizeLimit = common.DefaultLockTableSizeLimit
	}
	return &DeterministicLockManager{
		partitioner:    partitioner,
		localPartition: localPartition,
		lockTable:      make(map[common.Key]*LockState),
		numLocksWaited: make(map[common.TxnID]int),
		sizeLimit:      sizeLimit,
	}
}

func (lm *DeterministicLockManager) keysFor(txn *common.Transaction) []common.KeyMode {
	return common.KeysInPartition(txn, lm.partitioner, lm.localPartition)
}

// RegisterTxn counts the locks the txn needs in this partition. For
// multi-home txns the balance can be negative beforehand, because lock-only
// sub-txns may have acquired locks already; registration brings it back
// toward zero. Returns true only when the count lands on zero.
func (lm *DeterministicLockManager) RegisterTxn(txn *common.Transaction) bool {
	keys := lm.keysFor(txn)
	if len(keys) == 0 {
		// None of the txn's keys live in this partition.
		return false
	}

	txnID := txn.ID
	lm.numLocksWaited[txnID] += len(keys)
	if lm.numLocksWaited[txnID] == 0 {
		delete(lm.numLocksWaited, txnID)
		return true
	}
	return false
}

// AcquireLocks attempts every lock the txn needs in this partition and
// queues the rest. Returns true when the txn now holds all of its locks.
func (lm *DeterministicLockManager) AcquireLocks(txn *common.Transaction) bool {
	keys := lm.keysFor(txn)
	if len(keys) == 0 {
		return false
	}

	txnID := txn.ID
	for _, km := range keys {
		state, ok := lm.lockTable[km.Key]
		if !ok {
			state = newLockState()
			lm.lockTable[km.Key] = state
		}
		if state.IsQueued(txnID) {
			continue
		}
		var acquired bool
		if km.Mode == common.ReadLock {
			acquired = state.AcquireReadLock(txnID)
		} else {
			acquired = state.AcquireWriteLock(txnID)
		}
		if acquired {
			lm.numLocksWaited[txnID]--
		}
	}

	if lm.numLocksWaited[txnID] == 0 {
		delete(lm.numLocksWaited, txnID)
		return true
	}
	return false
}

// RegisterTxnAndAcquireLocks composes registration and acquisition. Both
// halves tolerate arriving out of order relative to lock-only sub-txns.
func (lm *DeterministicLockManager) RegisterTxnAndAcquireLocks(txn *common.Transaction) bool {
	lm.RegisterTxn(txn)
	return lm.AcquireLocks(txn)
}

// ReleaseLocks releases everything the txn holds or waits for in this
// partition and returns the txns that became ready, in ascending id order so
// that dispatching is deterministic.
func (lm *DeterministicLockManager) ReleaseLocks(txn *common.Transaction) []common.TxnID {
	var ready []common.TxnID
	txnID := txn.ID

	for _, km := range lm.keysFor(txn) {
		state, ok := lm.lockTable[km.Key]
		if !ok {
			continue
		}
		for holder := range state.Release(txnID) {
			lm.numLocksWaited[holder]--
			if lm.numLocksWaited[holder] == 0 {
				delete(lm.numLocksWaited, holder)
				ready = append(ready, holder)
			}
		}

		// Keep the table from growing without bound.
		if state.mode == common.Unlocked && len(lm.lockTable) > lm.sizeLimit {
			delete(lm.lockTable, km.Key)
		}
	}

	delete(lm.numLocksWaited, txnID)

	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// Stats snapshots the lock manager for the stats endpoint.
func (lm *DeterministicLockManager) Stats(level uint32) map[string]interface{} {
	numLocked := 0
	for _, state := range lm.lockTable {
		if state.mode != common.Unlocked {
			numLocked++
		}
	}
	stats := map[string]interface{}{
		"num_locked_keys":           numLocked,
		"num_txns_waiting_for_lock": len(lm.numLocksWaited),
	}
	if level >= 1 {
		waited := make(map[common.TxnID]int, len(lm.numLocksWaited))
		for id, n := range lm.numLocksWaited {
			waited[id] = n
		}
		stats["num_locks_waited_per_txn"] = waited

		table := make(map[common.Key]map[string]interface{})
		for key, state := range lm.lockTable {
			if state.mode == common.Unlocked {
				continue
			}
			holders := make([]common.TxnID, 0, len(state.holders))
			for h := range state.holders {
				holders = append(holders, h)
			}
			sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
			queue := make([][2]uint64, 0, len(state.queue))
			for _, w := range state.queue {
				queue = append(queue, [2]uint64{uint64(w.txnID), uint64(w.mode)})
			}
			table[key] = map[string]interface{}{
				"mode":    state.mode,
				"holders": holders,
				"queue":   queue,
			}
		}
		stats["lock_table"] = table
	}
	return stats
}

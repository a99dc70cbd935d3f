// Package scheduler resolves conflicts for the deterministic transaction
// stream produced by the interleaver and drives execution through a pool of
// workers. Because every replica's scheduler sees the same stream and the
// lock manager promotes waiters in queue order, all replicas reach identical
// commit and abort decisions.
package scheduler

import (
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
	"github.com/ctring/slog/telemetry"
)

// Scheduler joins multi-home pieces, verifies master counters, acquires
// locks and dispatches ready txns to workers.
type Scheduler struct {
	config *cfg.Configuration
	sender *broker.Sender
	store  storage.Storage

	partitioner common.Partitioner

	lockManager     *DeterministicLockManager
	remasterManager *SimpleRemasterManager

	workers      []*Worker
	readyWorkers []int

	allTxns   map[common.TxnID]*TxnHolder
	readyTxns []common.TxnID
}

func New(config *cfg.Configuration, sender *broker.Sender, store storage.Storage) *Scheduler {
	partitioner := config.Partitioner()

	var commands Commands
	if config.ExecutionType == cfg.ExecutionNoop {
		commands = NewNoopCommands()
	} else {
		commands = NewKeyValueCommands()
	}

	s := &Scheduler{
		config:      config,
		sender:      sender,
		store:       store,
		partitioner: partitioner,
		lockManager: NewDeterministicLockManager(
			partitioner, config.Local.Partition, common.DefaultLockTableSizeLimit),
		remasterManager: NewSimpleRemasterManager(store, partitioner, config.Local.Partition),
		allTxns:         make(map[common.TxnID]*TxnHolder),
	}

	for i := 0; i < int(config.NumWorkers); i++ {
		s.workers = append(s.workers, NewWorker(i, config, sender, store, commands))
		s.readyWorkers = append(s.readyWorkers, i)
	}
	return s
}

func (s *Scheduler) Name() string {
	return "scheduler"
}

func (s *Scheduler) Setup() {
	for _, w := range s.workers {
		w.Start()
	}
}

func (s *Scheduler) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
}

func (s *Scheduler) OnTick() {}

func (s *Scheduler) HandleEnvelope(env *broker.Envelope) {
	req := env.Request
	if req == nil {
		return
	}
	switch {
	case req.ForwardTxn != nil:
		s.processTransaction(req.ForwardTxn.Txn)
	case req.RemoteReadResult != nil:
		s.processRemoteReadResult(req.RemoteReadResult)
	case req.WorkerFinished != nil:
		s.processWorkerFinished(req.WorkerFinished)
	case req.Stats != nil:
		s.processStatsRequest(req.Stats, env.From)
	default:
		log.Error().Msg("Unexpected request type received by scheduler")
	}
}

/***********************************************
              Transaction intake
***********************************************/

func (s *Scheduler) processTransaction(txn *common.Transaction) {
	switch txn.Type {
	case common.SingleHome:
		s.processSingleHome(txn)
	case common.MultiHome:
		s.processMultiHome(txn)
	case common.LockOnly:
		s.processLockOnly(txn)
	default:
		log.Error().Uint64("txn", uint64(txn.ID)).Msg("Unknown transaction type")
	}
}

func (s *Scheduler) processSingleHome(txn *common.Transaction) {
	holder, ok := s.acceptTransaction(txn)
	if !ok {
		return
	}

	switch s.verifyMaster(txn) {
	case VerifyValid:
		if s.lockManager.RegisterTxnAndAcquireLocks(txn) {
			s.enqueueForDispatch(holder)
		}
	case VerifyWaiting:
		telemetry.RemasterBlockedTxns.Inc()
	case VerifyAbort:
		s.abortTransaction(holder, "Stale master counter")
	}
}

// verifyMaster routes a txn through the remaster manager. Remaster
// procedures skip it: parking one behind txns that wait for that very
// remaster would wedge the queue, and their own staleness is re-checked
// deterministically at the worker's read phase.
func (s *Scheduler) verifyMaster(txn *common.Transaction) VerifyMasterResult {
	if txn.Remaster != nil {
		return VerifyValid
	}
	return s.remasterManager.VerifyMaster(txn)
}

func (s *Scheduler) processMultiHome(txn *common.Transaction) {
	holder, ok := s.acceptTransaction(txn)
	if !ok {
		return
	}
	if holder.aborted {
		// A lock-only piece already failed verification; the parent record
		// was the missing piece for surfacing the abort.
		s.abortTransaction(holder, holder.abortReason)
		return
	}

	// The parent acquires nothing itself; its lock-only pieces do. The
	// registration balances their acquisitions, landing on zero exactly when
	// every piece has arrived and every lock is held.
	if s.lockManager.RegisterTxn(txn) {
		s.enqueueForDispatch(holder)
	}
}

func (s *Scheduler) processLockOnly(txn *common.Transaction) {
	holder := s.holderFor(txn.ID)
	holder.numLockOnlys++

	if holder.done || holder.dispatched {
		// The parent already went through; this piece only completes the
		// join accounting.
		s.maybeCollectHolder(txn.ID, holder)
		return
	}

	switch s.verifyMaster(txn) {
	case VerifyValid:
		if s.lockManager.AcquireLocks(txn) {
			if holder.txn == nil {
				log.Fatal().
					Uint64("txn", uint64(txn.ID)).
					Msg("Txn is not found for dispatching")
			}
			s.enqueueForDispatch(holder)
		}
	case VerifyWaiting:
		telemetry.RemasterBlockedTxns.Inc()
	case VerifyAbort:
		holder.aborted = true
		holder.abortReason = "Stale master counter"
		if holder.txn != nil {
			s.abortTransaction(holder, holder.abortReason)
		}
	}
}

func (s *Scheduler) holderFor(txnID common.TxnID) *TxnHolder {
	holder, ok := s.allTxns[txnID]
	if !ok {
		holder = newTxnHolder()
		s.allTxns[txnID] = holder
	}
	return holder
}

// acceptTransaction attaches the parent record to its holder. Returns false
// when none of the txn's keys belong to this partition, in which case the
// partition takes no part in the txn.
func (s *Scheduler) acceptTransaction(txn *common.Transaction) (*TxnHolder, bool) {
	holder := s.holderFor(txn.ID)
	holder.SetTxn(txn, s.partitioner, s.config.Local.Partition)
	if len(holder.KeysInPartition()) == 0 {
		if holder.numLockOnlys == 0 && len(holder.earlyRemoteReads) == 0 {
			delete(s.allTxns, txn.ID)
		}
		return nil, false
	}
	return holder, true
}

/***********************************************
              Remote reads
***********************************************/

func (s *Scheduler) processRemoteReadResult(rr *broker.RemoteReadResult) {
	holder := s.holderFor(rr.TxnID)
	// A holder may exist without a running worker if the txn has not been
	// dispatched yet; such reads are early and replayed at dispatch.
	if holder.txn != nil && holder.worker >= 0 {
		s.workers[holder.worker].Deliver(workerMsg{remoteRead: rr})
	} else {
		holder.earlyRemoteReads = append(holder.earlyRemoteReads, rr)
	}
}

/***********************************************
              Dispatch
***********************************************/

func (s *Scheduler) enqueueForDispatch(holder *TxnHolder) {
	if holder.dispatched {
		return
	}
	holder.dispatched = true
	s.readyTxns = append(s.readyTxns, holder.txn.ID)
	log.Debug().Uint64("txn", uint64(holder.txn.ID)).Msg("Enqueued txn")
	s.maybeDispatchNext()
}

func (s *Scheduler) maybeDispatchNext() {
	if len(s.readyWorkers) == 0 || len(s.readyTxns) == 0 {
		return
	}
	txnID := s.readyTxns[0]
	s.readyTxns = s.readyTxns[1:]
	workerID := s.readyWorkers[0]
	s.readyWorkers = s.readyWorkers[1:]

	holder := s.allTxns[txnID]
	holder.worker = workerID

	worker := s.workers[workerID]
	// The dispatch must reach the worker before any remote read for the
	// same txn; both travel the same channel.
	worker.Deliver(workerMsg{holder: holder})
	for _, rr := range holder.earlyRemoteReads {
		worker.Deliver(workerMsg{remoteRead: rr})
	}
	holder.earlyRemoteReads = nil

	telemetry.DispatchedTxnsTotal.Inc()
	log.Debug().Uint64("txn", uint64(txnID)).Int("worker", workerID).Msg("Dispatched txn")
}

// abortTransaction surfaces a deterministic abort decided before lock
// acquisition. The txn still runs through a worker so that peer partitions
// receive its abort verdict over the remote read channel, but it reads and
// writes nothing.
func (s *Scheduler) abortTransaction(holder *TxnHolder, reason string) {
	holder.aborted = true
	holder.abortReason = reason
	holder.txn.Status = common.Aborted
	if holder.txn.AbortReason == "" {
		holder.txn.AbortReason = reason
	}

	// Pieces of this txn may still be parked behind pending remasters.
	result := s.remasterManager.ReleaseTransaction(holder.txn.ID)
	s.enqueueForDispatch(holder)
	s.processRemasterResult(result)
}

/***********************************************
              Completion
***********************************************/

func (s *Scheduler) processWorkerFinished(fin *broker.WorkerFinished) {
	txnID := fin.TxnID
	holder, ok := s.allTxns[txnID]
	if !ok {
		log.Error().Uint64("txn", uint64(txnID)).Msg("Finished txn has no holder")
		return
	}
	txn := holder.Txn()

	s.readyWorkers = append(s.readyWorkers, holder.worker)
	holder.worker = -1
	holder.done = true

	// Unblock successors. Aborted txns that never acquired locks only leave
	// queue entries behind; releasing is still correct for them.
	ready := s.lockManager.ReleaseLocks(txn)
	for _, id := range ready {
		next, ok := s.allTxns[id]
		if !ok {
			log.Fatal().Uint64("txn", uint64(id)).Msg("Ready txn has no holder")
		}
		telemetry.LockManagerReadyTotal.Inc()
		s.enqueueForDispatch(next)
	}

	// A committed remaster changes a counter other txns may be parked on.
	if txn.Remaster != nil && txn.Status == common.Committed {
		for key := range txn.WriteSet {
			if s.partitioner.PartitionOf(key) != s.config.Local.Partition {
				continue
			}
			md := txn.MasterMetadata[key]
			s.processRemasterResult(s.remasterManager.RemasterOccurred(key, md.Counter+1))
		}
	}

	telemetry.TxnTotal.With(txn.Type.String(), txn.Status.String()).Inc()

	// Return the finished sub-txn to the coordinating server.
	s.sender.Send(&broker.Request{
		CompletedSubtxn: &broker.CompletedSubtxn{
			Txn:                txn,
			Partition:          s.config.Local.Partition,
			InvolvedPartitions: holder.InvolvedPartitions(),
		},
	}, txn.CoordServer, common.ServerChannel)

	s.maybeCollectHolder(txnID, holder)
	s.maybeDispatchNext()
}

func (s *Scheduler) maybeCollectHolder(txnID common.TxnID, holder *TxnHolder) {
	if holder.done && holder.joinComplete() {
		delete(s.allTxns, txnID)
	}
}

func (s *Scheduler) processRemasterResult(result RemasterOccurredResult) {
	for _, txn := range result.Unblocked {
		telemetry.RemasterBlockedTxns.Dec()
		holder, ok := s.allTxns[txn.ID]
		if !ok {
			log.Fatal().Uint64("txn", uint64(txn.ID)).Msg("Unblocked txn has no holder")
		}
		var acquired bool
		if txn.Type == common.LockOnly {
			acquired = s.lockManager.AcquireLocks(txn)
		} else {
			acquired = s.lockManager.RegisterTxnAndAcquireLocks(txn)
		}
		if acquired {
			s.enqueueForDispatch(holder)
		}
	}
	for _, txn := range result.ShouldAbort {
		telemetry.RemasterBlockedTxns.Dec()
		holder, ok := s.allTxns[txn.ID]
		if !ok {
			log.Fatal().Uint64("txn", uint64(txn.ID)).Msg("Aborting txn has no holder")
		}
		holder.aborted = true
		holder.abortReason = "Stale master counter"
		if holder.txn != nil {
			s.abortTransaction(holder, holder.abortReason)
		}
	}
}

/***********************************************
              Stats
***********************************************/

func (s *Scheduler) processStatsRequest(req *broker.StatsRequest, from common.MachineID) {
	stats := map[string]interface{}{
		"num_ready_workers": len(s.readyWorkers),
		"num_ready_txns": len(s.readyTxns),
		"num_all_txns": len(s.allTxns),
		"num_remaster_blocked": s.remasterManager.NumBlocked(),
	}
	if req.Level >= 1 {
		ids := make([]common.TxnID, 0, len(s.allTxns))
		for id := range s.allTxns {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		stats["all_txns"] = ids
	}
	for k, v := range s.lockManager.Stats(req.Level) {
		stats[k] = v
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode scheduler stats")
		return
	}
	s.sender.SendResponse(&broker.Response{
		Stats: &broker.StatsResponse{ID: req.ID, StatsJSON: string(raw)},
	}, from, common.ServerChannel)
}

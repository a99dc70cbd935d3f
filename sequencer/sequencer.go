// Package sequencer accumulates the single-home and lock-only transactions
// of one machine into batches, proposes their partition id to local Paxos
// and replicates the batch bytes to every machine of the cluster.
package sequencer

import (
	"math/rand"

	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/telemetry"
)

// Sequencer seals one batch per tick. Batch ids are globally unique:
// counter * MaxNumMachines + local machine number.
type Sequencer struct {
	config *cfg.Configuration
	sender *broker.Sender

	batch          *common.Batch
	batchIDCounter uint64

	// Lock-onlys held back until the next tick when synchronized batching is
	// on, so that every region emits them on aligned batch boundaries.
	heldLockOnlys []*common.Transaction

	// Batches whose remote replication is deferred for the replication
	// delay experiment.
	delayedBatches []*broker.ForwardBatch

	replicationOrder []uint32
	rng              *rand.Rand
}

func New(config *cfg.Configuration, sender *broker.Sender) *Sequencer {
	order, err := config.ReplicationOrderFor(config.Local.Replica)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid replication order")
	}
	s := &Sequencer{
		config:           config,
		sender:           sender,
		replicationOrder: order,
		rng:              rand.New(rand.NewSource(int64(config.LocalMachineNum()))),
	}
	s.newBatch()
	return s
}

func (s *Sequencer) Name() string {
	return "sequencer"
}

func (s *Sequencer) newBatch() {
	s.batch = common.NewBatch(common.SingleHome)
}

func (s *Sequencer) HandleEnvelope(env *broker.Envelope) {
	req := env.Request
	if req == nil {
		return
	}
	switch {
	case req.ForwardTxn != nil:
		txn := req.ForwardTxn.Txn
		if txn.Type == common.MultiHome {
			// Only reachable with bypass_mh_orderer: the forwarder hands the
			// multi-home txn to each involved region directly.
			s.processBypassedMultiHomeTxn(txn)
			return
		}
		s.putTxnIntoBatch(txn)
	case req.ForwardBatch != nil && req.ForwardBatch.BatchData != nil:
		s.processMultiHomeBatch(req.ForwardBatch.BatchData)
	default:
		log.Error().Msg("Unexpected request type received by sequencer")
	}
}

// OnTick seals the current batch if it has anything in it.
func (s *Sequencer) OnTick() {
	s.maybeSendDelayedBatches()

	if len(s.heldLockOnlys) > 0 {
		for _, lo := range s.heldLockOnlys {
			s.putTxnIntoBatch(lo)
		}
		s.heldLockOnlys = nil
	}

	if len(s.batch.Transactions) == 0 {
		return
	}

	batchID := s.nextBatchID()
	s.batch.ID = batchID

	log.Debug().
		Uint64("batch", uint64(batchID)).
		Int("txns", len(s.batch.Transactions)).
		Msg("Finished batch, sending out for ordering and replicating")

	telemetry.BatchesProducedTotal.With("single_home").Inc()
	telemetry.BatchSizeTxns.Observe(float64(len(s.batch.Transactions)))

	// The committed sequence of partition ids defines the region's local log
	// interleaving.
	s.sender.SendLocal(&broker.Request{
		PaxosPropose: &broker.PaxosPropose{Value: s.config.Local.Partition},
	}, common.LocalPaxosChannel)

	fb := &broker.ForwardBatch{
		BatchData: s.batch,
		// Position counting starts at 0.
		SameOriginPosition: uint32(s.batchIDCounter - 1),
	}
	s.replicate(fb)

	s.newBatch()
}

// replicate ships the sealed batch to every partition of every region. The
// local region always receives it immediately; replication to other regions
// may be deferred by the delay experiment.
func (s *Sequencer) replicate(fb *broker.ForwardBatch) {
	req := &broker.Request{ForwardBatch: fb}
	for p := uint32(0); p < s.config.NumPartitions; p++ {
		s.sender.Send(req, common.MachineID{Replica: s.config.Local.Replica, Partition: p}, common.InterleaverChannel)
	}

	delay := s.config.ReplicationDelay
	if delay.DelayPct > 0 && uint32(s.rng.Intn(100)) < delay.DelayPct {
		log.Debug().Uint64("batch", uint64(fb.BatchData.ID)).Msg("Delaying batch replication")
		s.delayedBatches = append(s.delayedBatches, fb)
		return
	}
	s.replicateRemote(fb)
}

func (s *Sequencer) replicateRemote(fb *broker.ForwardBatch) {
	req := &broker.Request{ForwardBatch: fb}
	for _, rep := range s.replicationOrder {
		for p := uint32(0); p < s.config.NumPartitions; p++ {
			s.sender.Send(req, common.MachineID{Replica: rep, Partition: p}, common.InterleaverChannel)
		}
	}
}

// maybeSendDelayedBatches releases each deferred batch with geometric
// probability per tick.
func (s *Sequencer) maybeSendDelayedBatches() {
	if len(s.delayedBatches) == 0 {
		return
	}
	amount := s.config.ReplicationDelay.DelayAmountMS
	if amount == 0 {
		amount = 1
	}
	kept := s.delayedBatches[:0]
	for _, fb := range s.delayedBatches {
		if s.rng.Intn(int(amount)) == 0 {
			log.Debug().Uint64("batch", uint64(fb.BatchData.ID)).Msg("Releasing delayed batch")
			s.replicateRemote(fb)
		} else {
			kept = append(kept, fb)
		}
	}
	s.delayedBatches = kept
}

// processMultiHomeBatch decomposes an ordered multi-home batch into this
// region's lock-only sub-txns and replicates the batch within the region.
func (s *Sequencer) processMultiHomeBatch(batch *common.Batch) {
	if batch.TransactionType != common.MultiHome {
		log.Error().Msg("Batch has to contain multi-home txns")
		return
	}

	for _, txn := range batch.Transactions {
		s.emitLockOnly(txn)
	}

	// The schedulers of every partition in this region need the parent
	// records for the lock-only join.
	req := &broker.Request{ForwardBatch: &broker.ForwardBatch{BatchData: batch}}
	for p := uint32(0); p < s.config.NumPartitions; p++ {
		s.sender.Send(req, common.MachineID{Replica: s.config.Local.Replica, Partition: p}, common.InterleaverChannel)
	}
}

// processBypassedMultiHomeTxn handles a multi-home txn that skipped the
// global orderer. Each involved region emits its lock-only; the lowest
// involved region also carries the parent record in its local log so that
// it reaches every scheduler exactly once.
func (s *Sequencer) processBypassedMultiHomeTxn(txn *common.Transaction) {
	s.emitLockOnly(txn)

	reps := txn.InvolvedReplicas()
	if len(reps) > 0 && reps[0] == s.config.Local.Replica {
		s.putTxnIntoBatch(txn)
	}
}

// emitLockOnly builds the lock-only sub-txn carrying exactly the parent's
// keys mastered in this region and appends it to the single-home batch.
func (s *Sequencer) emitLockOnly(txn *common.Transaction) {
	localRep := s.config.Local.Replica

	lockOnly := common.NewTransaction()
	lockOnly.ID = txn.ID
	lockOnly.Type = common.LockOnly
	lockOnly.Home = int32(localRep)
	lockOnly.CoordServer = txn.CoordServer

	if txn.Remaster != nil && txn.Remaster.NewMaster == localRep {
		// The region becoming the new master has no key mastered here yet;
		// its lock-only carries the full txn and runs with the counter one
		// ahead.
		for k, v := range txn.WriteSet {
			lockOnly.WriteSet[k] = v
			lockOnly.MasterMetadata[k] = txn.MasterMetadata[k]
		}
		lockOnly.Remaster = &common.RemasterProcedure{
			NewMaster:           txn.Remaster.NewMaster,
			IsNewMasterLockOnly: true,
		}
	} else {
		for k, v := range txn.ReadSet {
			if md, ok := txn.MasterMetadata[k]; ok && md.Master == localRep {
				lockOnly.ReadSet[k] = v
				lockOnly.MasterMetadata[k] = md
			}
		}
		for k, v := range txn.WriteSet {
			if md, ok := txn.MasterMetadata[k]; ok && md.Master == localRep {
				lockOnly.WriteSet[k] = v
				lockOnly.MasterMetadata[k] = md
			}
		}
		if txn.Remaster != nil {
			lockOnly.Remaster = &common.RemasterProcedure{NewMaster: txn.Remaster.NewMaster}
		}
	}

	if len(lockOnly.ReadSet) == 0 && len(lockOnly.WriteSet) == 0 {
		return
	}

	if s.config.SynchronizedBatching {
		s.heldLockOnlys = append(s.heldLockOnlys, lockOnly)
	} else {
		s.putTxnIntoBatch(lockOnly)
	}
}

func (s *Sequencer) putTxnIntoBatch(txn *common.Transaction) {
	if txn.Type == common.SingleHome || txn.Type == common.LockOnly {
		if txn.Home < 0 {
			txn.Home = int32(s.config.Local.Replica)
		}
	} else if !s.config.BypassMHOrderer {
		log.Fatal().
			Uint64("txn", uint64(txn.ID)).
			Str("type", txn.Type.String()).
			Msg("Sequencer batch can only contain single-home or lock-only txns")
	}
	s.batch.Transactions = append(s.batch.Transactions, txn)
}

func (s *Sequencer) nextBatchID() common.BatchID {
	s.batchIDCounter++
	return common.BatchID(s.batchIDCounter*common.MaxNumMachines + uint64(s.config.LocalMachineNum()))
}

// Package orderer runs the multi-home orderer: it accumulates multi-home
// transactions into batches, orders the batches through global Paxos and
// hands each ordered batch to the region's sequencer for lock-only
// decomposition.
package orderer

import (
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/telemetry"
)

// MultiHomeOrderer runs on the leader partition of every region. Each
// instance proposes its own batches; the global Paxos log serializes them
// across regions.
type MultiHomeOrderer struct {
	config *cfg.Configuration
	sender *broker.Sender

	batch          *common.Batch
	batchIDCounter uint64

	batchLog *common.BatchLog
}

func New(config *cfg.Configuration, sender *broker.Sender) *MultiHomeOrderer {
	o := &MultiHomeOrderer{
		config:   config,
		sender:   sender,
		batchLog: common.NewBatchLog(),
	}
	o.newBatch()
	return o
}

func (o *MultiHomeOrderer) Name() string {
	return "multi-home-orderer"
}

func (o *MultiHomeOrderer) newBatch() {
	o.batch = common.NewBatch(common.MultiHome)
}

func (o *MultiHomeOrderer) HandleEnvelope(env *broker.Envelope) {
	req := env.Request
	if req == nil {
		return
	}
	switch {
	case req.ForwardTxn != nil:
		// A new multi-home txn from a forwarder.
		o.batch.Transactions = append(o.batch.Transactions, req.ForwardTxn.Txn)
	case req.ForwardBatch != nil:
		o.processForwardBatch(req.ForwardBatch)
	default:
		log.Error().Msg("Unexpected request type received by multi-home orderer")
	}
}

// OnTick seals and proposes the current batch.
func (o *MultiHomeOrderer) OnTick() {
	if len(o.batch.Transactions) == 0 {
		return
	}

	batchID := o.nextBatchID()
	o.batch.ID = batchID

	log.Debug().
		Uint64("batch", uint64(batchID)).
		Int("txns", len(o.batch.Transactions)).
		Msg("Finished multi-home batch, sending out for ordering and replicating")

	telemetry.BatchesProducedTotal.With("multi_home").Inc()

	// Propose the batch id for global ordering.
	o.sender.SendLocal(&broker.Request{
		PaxosPropose: &broker.PaxosPropose{Value: uint32(batchID)},
	}, common.GlobalPaxosChannel)

	// Replicate the batch bytes to the orderer of every region.
	req := &broker.Request{ForwardBatch: &broker.ForwardBatch{BatchData: o.batch}}
	part := o.config.LeaderPartitionForMultiHomeOrdering()
	for rep := 0; rep < o.config.NumReplicas(); rep++ {
		o.sender.Send(req, common.MachineID{Replica: uint32(rep), Partition: part}, common.MultiHomeOrdererChannel)
	}

	o.newBatch()
}

func (o *MultiHomeOrderer) processForwardBatch(fb *broker.ForwardBatch) {
	switch {
	case fb.BatchData != nil:
		o.batchLog.AddBatch(fb.BatchData)
	case fb.BatchOrder != nil:
		// From a global Paxos commit.
		o.batchLog.AddSlot(fb.BatchOrder.Slot, fb.BatchOrder.BatchID)
	}

	for o.batchLog.HasNextBatch() {
		slot, batch := o.batchLog.NextBatch()
		// Replace the batch id with its slot so that the interleavers can
		// consume multi-home batches in committed order directly.
		batch.ID = common.BatchID(slot)

		o.sender.SendLocal(&broker.Request{
			ForwardBatch: &broker.ForwardBatch{BatchData: batch},
		}, common.SequencerChannel)
	}
}

func (o *MultiHomeOrderer) nextBatchID() common.BatchID {
	o.batchIDCounter++
	return common.BatchID(o.batchIDCounter*common.MaxNumMachines + uint64(o.config.LocalMachineNum()))
}

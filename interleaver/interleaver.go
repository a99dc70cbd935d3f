// Package interleaver merges the ordered batch streams of every region into
// one deterministic transaction stream for the local scheduler. The local
// region's stream follows local Paxos; remote streams follow the batch
// orders broadcast by the origin region's interleavers; multi-home batches
// follow the global Paxos slots stamped by the orderer.
package interleaver

import (
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

type Interleaver struct {
	config *cfg.Configuration
	sender *broker.Sender

	localLog       *common.LocalLog
	singleHomeLogs map[uint32]*common.BatchLog
	multiHomeLog   *common.BatchLog

	// remote:local fetch ratio driving the merge schedule.
	remoteRatio int
	localRatio  int
	// Remote regions in a fixed rotation; nextRemote points at the one the
	// merge visits first in the next round.
	remoteReplicas []uint32
	nextRemote     int
}

func New(config *cfg.Configuration, sender *broker.Sender) *Interleaver {
	remote, local, err := config.RemoteToLocalRatio()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid interleaver ratio")
	}

	i := &Interleaver{
		config:         config,
		sender:         sender,
		localLog:       common.NewLocalLog(),
		singleHomeLogs: make(map[uint32]*common.BatchLog),
		multiHomeLog:   common.NewBatchLog(),
		remoteRatio:    remote,
		localRatio:     local,
	}
	for rep := 0; rep < config.NumReplicas(); rep++ {
		i.singleHomeLogs[uint32(rep)] = common.NewBatchLog()
		if uint32(rep) != config.Local.Replica {
			i.remoteReplicas = append(i.remoteReplicas, uint32(rep))
		}
	}
	return i
}

func (i *Interleaver) Name() string {
	return "interleaver"
}

func (i *Interleaver) OnTick() {}

func (i *Interleaver) HandleEnvelope(env *broker.Envelope) {
	req := env.Request
	if req == nil {
		return
	}
	switch {
	case req.ForwardBatch != nil:
		i.processForwardBatch(req.ForwardBatch, env.From)
	case req.LocalQueueOrder != nil:
		order := req.LocalQueueOrder
		log.Debug().
			Uint32("slot", uint32(order.Slot)).
			Uint32("queue", order.QueueID).
			Msg("Received local queue order")
		i.localLog.AddSlot(order.Slot, order.QueueID)
	default:
		log.Error().Msg("Unexpected request type received by interleaver")
	}
	i.advanceLocalLog()
	i.advanceLogs()
}

func (i *Interleaver) processForwardBatch(fb *broker.ForwardBatch, from common.MachineID) {
	switch {
	case fb.BatchData != nil:
		batch := fb.BatchData
		switch batch.TransactionType {
		case common.SingleHome:
			log.Debug().
				Uint64("batch", uint64(batch.ID)).
				Stringer("from", from).
				Int("txns", len(batch.Transactions)).
				Msg("Received data for single-home batch")
			if from.Replica == i.config.Local.Replica {
				// A batch of the local region: its place in the local log is
				// decided by local Paxos; queue it under its partition.
				i.localLog.AddBatchID(from.Partition, fb.SameOriginPosition, batch.ID)
			}
			i.singleHomeLogs[from.Replica].AddBatch(batch)

		case common.MultiHome:
			log.Debug().
				Uint64("batch", uint64(batch.ID)).
				Stringer("from", from).
				Int("txns", len(batch.Transactions)).
				Msg("Received data for multi-home batch")
			// Multi-home batches are already ordered; their id was replaced
			// with the global Paxos slot by the orderer.
			i.multiHomeLog.AddSlot(common.SlotID(batch.ID), batch.ID)
			i.multiHomeLog.AddBatch(batch)

		default:
			log.Error().
				Str("type", batch.TransactionType.String()).
				Msg("Received batch with invalid transaction type")
		}

	case fb.BatchOrder != nil:
		order := fb.BatchOrder
		log.Debug().
			Uint64("batch", uint64(order.BatchID)).
			Uint32("slot", uint32(order.Slot)).
			Stringer("from", from).
			Msg("Received order for batch")
		i.singleHomeLogs[from.Replica].AddSlot(order.Slot, order.BatchID)
	}
}

// advanceLocalLog turns newly decided (slot, batch) pairs of the local log
// into batch orders, re-broadcast to the same partition of every region --
// including this one, whose single-home log consumes them like any other.
func (i *Interleaver) advanceLocalLog() {
	for i.localLog.HasNextBatch() {
		slot, batchID := i.localLog.NextBatch()
		req := &broker.Request{ForwardBatch: &broker.ForwardBatch{
			BatchOrder: &broker.BatchOrder{BatchID: batchID, Slot: slot},
		}}
		for rep := 0; rep < i.config.NumReplicas(); rep++ {
			i.sender.Send(req, common.MachineID{
				Replica:   uint32(rep),
				Partition: i.config.Local.Partition,
			}, common.InterleaverChannel)
		}
	}
}

// advanceLogs emits available batches following the remote:local ratio,
// round-robin over remote regions, and drains the multi-home log. The
// schedule is a function of the log contents and the ratio alone.
func (i *Interleaver) advanceLogs() {
	for {
		progress := false

		for n := 0; n < i.remoteRatio*len(i.remoteReplicas); n++ {
			if len(i.remoteReplicas) == 0 {
				break
			}
			rep := i.remoteReplicas[i.nextRemote]
			i.nextRemote = (i.nextRemote + 1) % len(i.remoteReplicas)
			if remoteLog := i.singleHomeLogs[rep]; remoteLog.HasNextBatch() {
				_, batch := remoteLog.NextBatch()
				i.emitBatch(batch, rep)
				progress = true
			}
		}

		localLog := i.singleHomeLogs[i.config.Local.Replica]
		for n := 0; n < i.localRatio && localLog.HasNextBatch(); n++ {
			_, batch := localLog.NextBatch()
			i.emitBatch(batch, i.config.Local.Replica)
			progress = true
		}

		for i.multiHomeLog.HasNextBatch() {
			_, batch := i.multiHomeLog.NextBatch()
			i.emitBatch(batch, i.config.Local.Replica)
			progress = true
		}

		if !progress {
			return
		}
	}
}

// emitBatch hands each txn of the batch to the local scheduler, tagged with
// the region whose log carried it.
func (i *Interleaver) emitBatch(batch *common.Batch, home uint32) {
	for _, txn := range batch.Transactions {
		if txn.Type != common.MultiHome && txn.Home < 0 {
			txn.Home = int32(home)
		}
		i.sender.SendLocal(&broker.Request{
			ForwardTxn: &broker.ForwardTxn{Txn: txn},
		}, common.SchedulerChannel)
	}
}

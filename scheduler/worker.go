package scheduler

import (
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
)

// Phase of a transaction inside a worker.
type Phase int

const (
	PhaseReadLocalStorage Phase = iota
	PhaseWaitRemoteRead
	PhaseExecute
	PhaseCommit
	PhaseFinish
)

// workerMsg is what a scheduler hands to a worker: either a dispatched txn
// or a remote read for one it owns.
type workerMsg struct {
	holder     *TxnHolder
	remoteRead *broker.RemoteReadResult
}

type txnState struct {
	holder               *TxnHolder
	phase                Phase
	remoteReadsWaitingOn int
}

// Worker drives dispatched transactions through
// READ_LOCAL_STORAGE -> WAIT_REMOTE_READ -> EXECUTE -> COMMIT -> FINISH,
// exchanging remote reads with the workers of peer partitions. Each worker
// owns its transactions end-to-end.
type Worker struct {
	id       int
	config   *cfg.Configuration
	sender   *broker.Sender
	store    storage.Storage
	commands Commands

	partitioner common.Partitioner

	recv chan workerMsg
	stop chan struct{}
	done chan struct{}

	states map[common.TxnID]*txnState
}

func NewWorker(
	id int,
	config *cfg.Configuration,
	sender *broker.Sender,
	store storage.Storage,
	commands Commands,
) *Worker {
	return &Worker{
		id:          id,
		config:      config,
		sender:      sender,
		store:       store,
		commands:    commands,
		partitioner: config.Partitioner(),
		recv:        make(chan workerMsg, 256),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		states:      make(map[common.TxnID]*txnState),
	}
}

func (w *Worker) Start() {
	go w.loop()
}

func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Deliver enqueues a message for this worker. Called from the scheduler
// goroutine only.
func (w *Worker) Deliver(msg workerMsg) {
	w.recv <- msg
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case msg := <-w.recv:
			var txnID common.TxnID
			switch {
			case msg.holder != nil:
				txnID = w.processDispatch(msg.holder)
			case msg.remoteRead != nil:
				txnID = w.processRemoteRead(msg.remoteRead)
			default:
				log.Fatal().Int("worker", w.id).Msg("Invalid request for worker")
			}
			w.advance(txnID)
		}
	}
}

func (w *Worker) processDispatch(holder *TxnHolder) common.TxnID {
	txn := holder.Txn()
	txnID := txn.ID
	localPartition := w.config.Local.Partition

	txn.EnsureMaps()
	// Keys owned by other partitions are filled in through remote reads; they
	// are dropped here so that the read phase only touches local storage and
	// the commit phase only writes local keys.
	for key := range txn.ReadSet {
		if w.partitioner.PartitionOf(key) != localPartition {
			delete(txn.ReadSet, key)
		}
	}
	for key := range txn.WriteSet {
		if w.partitioner.PartitionOf(key) != localPartition {
			delete(txn.WriteSet, key)
		}
	}

	if _, ok := w.states[txnID]; ok {
		log.Fatal().
			Uint64("txn", uint64(txnID)).
			Int("worker", w.id).
			Msg("Transaction already dispatched to this worker")
	}
	w.states[txnID] = &txnState{holder: holder, phase: PhaseReadLocalStorage}

	log.Debug().Uint64("txn", uint64(txnID)).Int("worker", w.id).Msg("Initialized txn state")
	return txnID
}

func (w *Worker) processRemoteRead(rr *broker.RemoteReadResult) common.TxnID {
	state, ok := w.states[rr.TxnID]
	if !ok {
		log.Fatal().
			Uint64("txn", uint64(rr.TxnID)).
			Msg("Remote read result for unknown transaction")
	}
	txn := state.holder.Txn()

	if rr.WillAbort {
		txn.Status = common.Aborted
		if txn.AbortReason == "" {
			txn.AbortReason = "Aborted by a remote partition"
		}
	} else {
		for key, value := range rr.Reads {
			txn.ReadSet[key] = value
		}
	}

	state.remoteReadsWaitingOn--
	if state.remoteReadsWaitingOn == 0 {
		if state.phase != PhaseWaitRemoteRead {
			log.Fatal().Uint64("txn", uint64(rr.TxnID)).Msg("Invalid phase")
		}
		state.phase = PhaseExecute
	}
	return rr.TxnID
}

func (w *Worker) advance(txnID common.TxnID) {
	state := w.states[txnID]
	if state.phase == PhaseReadLocalStorage {
		w.readLocalStorage(txnID)
	}
	if state.phase == PhaseWaitRemoteRead {
		// Leaving this phase requires a remote message.
		return
	}
	if state.phase == PhaseExecute {
		w.execute(txnID)
	}
	if state.phase == PhaseCommit {
		w.commit(txnID)
	}
	if state.phase == PhaseFinish {
		w.finish(txnID)
	}
}

func (w *Worker) readLocalStorage(txnID common.TxnID) {
	state := w.states[txnID]
	holder := state.holder
	txn := holder.Txn()

	willAbort := txn.Status == common.Aborted
	if !willAbort {
		switch CheckCounters(txn, w.store, w.partitioner, w.config.Local.Partition) {
		case VerifyValid:
		case VerifyAbort:
			willAbort = true
			txn.Status = common.Aborted
			if txn.AbortReason == "" {
				txn.AbortReason = "Stale master counter"
			}
		case VerifyWaiting:
			log.Error().
				Uint64("txn", uint64(txnID)).
				Msg("Transaction was dispatched to a worker with a high counter")
		}
	}

	if !willAbort {
		for key := range txn.ReadSet {
			record, _ := w.store.Read(key)
			txn.ReadSet[key] = record.Value
		}
		for key := range txn.WriteSet {
			record, _ := w.store.Read(key)
			txn.WriteSet[key] = record.Value
		}
	}

	// Ship the local reads (or the abort verdict) to the other partitions
	// that execute this txn.
	rr := &broker.RemoteReadResult{
		TxnID:     txnID,
		Partition: w.config.Local.Partition,
		WillAbort: willAbort,
	}
	if !willAbort {
		rr.Reads = make(map[common.Key]string, len(txn.ReadSet))
		for key, value := range txn.ReadSet {
			rr.Reads[key] = value
		}
	}
	w.sendToOtherPartitions(&broker.Request{RemoteReadResult: rr}, holder.ActivePartitions())

	state.remoteReadsWaitingOn = 0
	if holder.isActive(w.config.Local.Partition) {
		// Active partitions need the reads of every involved partition.
		state.remoteReadsWaitingOn = len(holder.InvolvedPartitions()) - 1
	}
	if state.remoteReadsWaitingOn == 0 {
		state.phase = PhaseExecute
	} else {
		state.phase = PhaseWaitRemoteRead
	}
}

func (w *Worker) execute(txnID common.TxnID) {
	state := w.states[txnID]
	txn := state.holder.Txn()

	switch {
	case txn.Remaster != nil:
		if txn.Status != common.Aborted {
			txn.Status = common.Committed
		}
	default:
		if txn.Status != common.Aborted {
			w.commands.Execute(txn)
		}
	}
	state.phase = PhaseCommit
}

func (w *Worker) commit(txnID common.TxnID) {
	state := w.states[txnID]
	txn := state.holder.Txn()
	localPartition := w.config.Local.Partition

	switch {
	case txn.Remaster != nil:
		if txn.Status == common.Committed {
			// Remaster txns write to exactly one key; validation upstream
			// guarantees it.
			for key := range txn.WriteSet {
				if w.partitioner.PartitionOf(key) != localPartition {
					continue
				}
				record, found := w.store.Read(key)
				if !found {
					log.Fatal().Str("key", key).Msg("Remastering key that does not exist")
				}
				md := txn.MasterMetadata[key]
				record.Metadata = common.Metadata{
					Master:  txn.Remaster.NewMaster,
					Counter: md.Counter + 1,
				}
				w.store.Write(key, record)
			}
		}
	default:
		if txn.Status == common.Committed {
			for key, value := range txn.WriteSet {
				record, found := w.store.Read(key)
				if !found {
					md, ok := txn.MasterMetadata[key]
					if !ok {
						log.Fatal().Str("key", key).Msg("Master metadata for key is missing")
					}
					record.Metadata = md
				}
				record.Value = value
				w.store.Write(key, record)
			}
			for _, key := range txn.DeleteSet {
				if w.partitioner.PartitionOf(key) == localPartition {
					w.store.Delete(key)
				}
			}
		}
	}
	state.phase = PhaseFinish
}

func (w *Worker) finish(txnID common.TxnID) {
	w.sender.SendLocal(&broker.Request{
		WorkerFinished: &broker.WorkerFinished{TxnID: txnID},
	}, common.SchedulerChannel)

	delete(w.states, txnID)
	log.Debug().Uint64("txn", uint64(txnID)).Int("worker", w.id).Msg("Finished txn")
}

func (w *Worker) sendToOtherPartitions(req *broker.Request, partitions []uint32) {
	local := w.config.Local
	for _, p := range partitions {
		if p != local.Partition {
			w.sender.Send(req, common.MachineID{Replica: local.Replica, Partition: p}, common.SchedulerChannel)
		}
	}
}

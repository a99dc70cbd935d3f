package broker

import "github.com/ctring/slog/common"

// Envelope is the unit of delivery between modules. Exactly one of Request,
// Response and Ready is set. The message type names below are part of the
// wire contract between machines.
type Envelope struct {
	From    common.MachineID `msgpack:"from"`
	Channel common.Channel   `msgpack:"ch"`

	Request  *Request  `msgpack:"req,omitempty"`
	Response *Response `msgpack:"res,omitempty"`
	Ready    *Ready    `msgpack:"rdy,omitempty"`
}

// Ready is exchanged all-to-all during broker warm-up. A broker only hands
// messages to modules after every peer has announced itself.
type Ready struct {
	Machine common.MachineID `msgpack:"m"`
}

// Request is a union; exactly one field is set.
type Request struct {
	ForwardTxn       *ForwardTxn       `msgpack:"fwd_txn,omitempty"`
	ForwardBatch     *ForwardBatch     `msgpack:"fwd_batch,omitempty"`
	LocalQueueOrder  *LocalQueueOrder  `msgpack:"lqo,omitempty"`
	RemoteReadResult *RemoteReadResult `msgpack:"rrr,omitempty"`
	CompletedSubtxn  *CompletedSubtxn  `msgpack:"done_subtxn,omitempty"`
	LookupMaster     *LookupMaster     `msgpack:"lookup,omitempty"`
	PaxosPropose     *PaxosPropose     `msgpack:"px_prop,omitempty"`
	PaxosAccept      *PaxosAccept      `msgpack:"px_acc,omitempty"`
	PaxosCommit      *PaxosCommit      `msgpack:"px_com,omitempty"`
	Stats            *StatsRequest     `msgpack:"stats,omitempty"`

	// WorkerFinished never crosses a machine boundary; it is the worker's
	// completion signal back to its scheduler.
	WorkerFinished *WorkerFinished `msgpack:"wfin,omitempty"`
}

// WorkerFinished reports that a worker ran a txn to the FINISH phase.
type WorkerFinished struct {
	TxnID common.TxnID `msgpack:"txn"`
}

// Response is a union; exactly one field is set.
type Response struct {
	LookupMasterResult *LookupMasterResult `msgpack:"lookup,omitempty"`
	PaxosAccepted      *PaxosAccepted      `msgpack:"px_acc,omitempty"`
	PaxosCommitted     *PaxosCommitted     `msgpack:"px_com,omitempty"`
	Stats              *StatsResponse      `msgpack:"stats,omitempty"`
}

// ForwardTxn carries a single transaction between modules: client server to
// forwarder, forwarder to sequencer or orderer, interleaver to scheduler.
type ForwardTxn struct {
	Txn *common.Transaction `msgpack:"txn"`
}

// ForwardBatch carries either batch contents or a batch order entry.
// Exactly one of BatchData and BatchOrder is set.
type ForwardBatch struct {
	BatchData  *common.Batch `msgpack:"data,omitempty"`
	BatchOrder *BatchOrder   `msgpack:"order,omitempty"`

	// SameOriginPosition is the 0-based position of BatchData within the
	// sending machine's own emission order. The receiving interleaver uses it
	// to queue local-region batches per partition.
	SameOriginPosition uint32 `msgpack:"pos"`
}

// BatchOrder assigns a batch to a slot of an ordered log.
type BatchOrder struct {
	BatchID common.BatchID `msgpack:"id"`
	Slot    common.SlotID  `msgpack:"slot"`
}

// LocalQueueOrder is emitted by local Paxos: slot carries the partition
// whose next batch occupies that position of the region's local log.
type LocalQueueOrder struct {
	Slot    common.SlotID `msgpack:"slot"`
	QueueID uint32        `msgpack:"q"`
}

// RemoteReadResult ships the local reads of one partition to the other
// partitions involved in a txn.
type RemoteReadResult struct {
	TxnID     common.TxnID              `msgpack:"txn"`
	Partition uint32                    `msgpack:"part"`
	Reads     map[common.Key]string     `msgpack:"reads"`
	WillAbort bool                      `msgpack:"abort"`
}

// CompletedSubtxn returns a finished sub-transaction to the coordinating
// server, which merges one per involved partition into the client response.
type CompletedSubtxn struct {
	Txn                *common.Transaction `msgpack:"txn"`
	Partition          uint32              `msgpack:"part"`
	InvolvedPartitions []uint32            `msgpack:"parts"`
}

// LookupMaster asks a server for the master metadata of keys in its
// partition.
type LookupMaster struct {
	TxnID common.TxnID `msgpack:"txn"`
	Keys  []common.Key `msgpack:"keys"`
}

type LookupMasterResult struct {
	TxnID          common.TxnID                `msgpack:"txn"`
	MasterMetadata map[common.Key]common.Metadata `msgpack:"mm"`
	// NewKeys were not found in the partition; they default to the new-key
	// master region with counter 0.
	NewKeys []common.Key `msgpack:"new"`
}

// Paxos messages. Values are opaque uint32s; the embedding module decides
// their meaning (partition ids for the local log, batch ids for the global
// log).
type PaxosPropose struct {
	Value uint32 `msgpack:"v"`
}

type PaxosAccept struct {
	Ballot uint32        `msgpack:"b"`
	Slot   common.SlotID `msgpack:"s"`
	Value  uint32        `msgpack:"v"`
}

type PaxosAccepted struct {
	Ballot uint32        `msgpack:"b"`
	Slot   common.SlotID `msgpack:"s"`
}

type PaxosCommit struct {
	Ballot uint32        `msgpack:"b"`
	Slot   common.SlotID `msgpack:"s"`
	Value  uint32        `msgpack:"v"`
}

type PaxosCommitted struct {
	Slot common.SlotID `msgpack:"s"`
}

// StatsRequest asks a module for a JSON snapshot of its internal state.
type StatsRequest struct {
	ID    uint64 `msgpack:"id"`
	Level uint32 `msgpack:"lvl"`
}

type StatsResponse struct {
	ID        uint64 `msgpack:"id"`
	StatsJSON string `msgpack:"json"`
}

package common

import "sort"

// TxnType classifies a transaction with respect to the regions mastering its
// keys.
type TxnType int32

const (
	UnknownTxn TxnType = iota
	SingleHome
	MultiHome
	// LockOnly is a synthetic sub-transaction carrying exactly the keys of a
	// multi-home parent that are mastered in one region. It exists to acquire
	// that region's locks in deterministic log order.
	LockOnly
)

func (t TxnType) String() string {
	switch t {
	case SingleHome:
		return "SINGLE_HOME"
	case MultiHome:
		return "MULTI_HOME"
	case LockOnly:
		return "LOCK_ONLY"
	default:
		return "UNKNOWN"
	}
}

type TxnStatus int32

const (
	NotStarted TxnStatus = iota
	Committed
	Aborted
)

func (s TxnStatus) String() string {
	switch s {
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "NOT_STARTED"
	}
}

// Metadata is the mastering state of a key. Counter increments by one on
// every successful remaster; Master changes to the new region at that point.
type Metadata struct {
	Master  uint32 `msgpack:"m"`
	Counter uint32 `msgpack:"c"`
}

// Record is a stored value plus its mastering metadata.
type Record struct {
	Value    string   `msgpack:"v"`
	Metadata Metadata `msgpack:"md"`
}

// RemasterProcedure transfers mastership of the single key in the txn's
// write set to NewMaster.
type RemasterProcedure struct {
	NewMaster uint32 `msgpack:"nm"`
	// IsNewMasterLockOnly marks the lock-only sub-txn generated by the region
	// that will become the new master. Its counter is checked one ahead.
	IsNewMasterLockOnly bool `msgpack:"nmlo"`
}

// Transaction is the unit scheduled and executed.
type Transaction struct {
	ID     TxnID     `msgpack:"id"`
	Type   TxnType   `msgpack:"t"`
	Status TxnStatus `msgpack:"st"`

	AbortReason string `msgpack:"ar,omitempty"`

	// ReadSet maps keys to current values, WriteSet to new values. Values are
	// filled in while the txn travels through the pipeline.
	ReadSet   map[Key]string `msgpack:"rs"`
	WriteSet  map[Key]string `msgpack:"ws"`
	DeleteSet []Key          `msgpack:"ds,omitempty"`

	// Code is a sequence of GET/SET/DEL/COPY/ABORT commands. Exactly one of
	// Code and Remaster is meaningful.
	Code     string             `msgpack:"code,omitempty"`
	Remaster *RemasterProcedure `msgpack:"rem,omitempty"`

	MasterMetadata map[Key]Metadata `msgpack:"mm"`

	CoordServer MachineID `msgpack:"coord"`

	// Home is the region whose local log carries this txn. Meaningful for
	// single-home and lock-only txns; -1 when not yet assigned.
	Home int32 `msgpack:"home"`
}

// NewTransaction returns a txn with all maps allocated.
func NewTransaction() *Transaction {
	return &Transaction{
		ReadSet:        make(map[Key]string),
		WriteSet:       make(map[Key]string),
		MasterMetadata: make(map[Key]Metadata),
		Home:           -1,
	}
}

// EnsureMaps allocates any map a decoded txn arrived without, so that
// downstream handlers can assign into them freely.
func (t *Transaction) EnsureMaps() {
	if t.ReadSet == nil {
		t.ReadSet = make(map[Key]string)
	}
	if t.WriteSet == nil {
		t.WriteSet = make(map[Key]string)
	}
	if t.MasterMetadata == nil {
		t.MasterMetadata = make(map[Key]Metadata)
	}
}

// HomeReplica derives the home region from master metadata. All keys of a
// single-home or lock-only txn share one master.
func (t *Transaction) HomeReplica() uint32 {
	if t.Home >= 0 {
		return uint32(t.Home)
	}
	for _, md := range t.MasterMetadata {
		return md.Master
	}
	return 0
}

// Keys returns the union of read and write set keys, sorted for determinism.
func (t *Transaction) Keys() []Key {
	seen := make(map[Key]struct{}, len(t.ReadSet)+len(t.WriteSet))
	for k := range t.ReadSet {
		seen[k] = struct{}{}
	}
	for k := range t.WriteSet {
		seen[k] = struct{}{}
	}
	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InvolvedReplicas returns the sorted set of regions mastering at least one
// of the txn's keys. A remaster txn also involves the region that becomes
// the new master: it must log the transfer before it owns the key.
func (t *Transaction) InvolvedReplicas() []uint32 {
	seen := make(map[uint32]struct{})
	for _, md := range t.MasterMetadata {
		seen[md.Master] = struct{}{}
	}
	if t.Remaster != nil {
		seen[t.Remaster.NewMaster] = struct{}{}
	}
	reps := make([]uint32, 0, len(seen))
	for r := range seen {
		reps = append(reps, r)
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i] < reps[j] })
	return reps
}

// InvolvedPartitions returns the sorted set of partitions owning at least one
// of the txn's keys.
func (t *Transaction) InvolvedPartitions(p Partitioner) []uint32 {
	seen := make(map[uint32]struct{})
	for _, k := range t.Keys() {
		seen[p.PartitionOf(k)] = struct{}{}
	}
	parts := make([]uint32, 0, len(seen))
	for pt := range seen {
		parts = append(parts, pt)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts
}

// LockMode of a lock table entry or request.
type LockMode int32

const (
	Unlocked LockMode = iota
	ReadLock
	WriteLock
)

// KeyMode pairs a key with the lock mode a txn needs on it.
type KeyMode struct {
	Key  Key
	Mode LockMode
}

// KeysInPartition lists the txn's keys owned by the given partition together
// with their lock modes. A key in both read and write set takes a write lock
// only. The result is sorted by key so that every call sites walks the keys
// in the same order.
func KeysInPartition(t *Transaction, p Partitioner, partition uint32) []KeyMode {
	var keys []KeyMode
	for k := range t.ReadSet {
		if _, written := t.WriteSet[k]; written {
			continue
		}
		if p.PartitionOf(k) == partition {
			keys = append(keys, KeyMode{Key: k, Mode: ReadLock})
		}
	}
	for k := range t.WriteSet {
		if p.PartitionOf(k) == partition {
			keys = append(keys, KeyMode{Key: k, Mode: WriteLock})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
	return keys
}

// Batch is an ordered list of transactions. It is immutable once emitted by
// a sequencer or orderer.
type Batch struct {
	ID              BatchID        `msgpack:"id"`
	TransactionType TxnType        `msgpack:"t"`
	Transactions    []*Transaction `msgpack:"txns"`
}

func NewBatch(t TxnType) *Batch {
	return &Batch{TransactionType: t}
}

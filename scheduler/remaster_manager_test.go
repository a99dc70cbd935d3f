package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
)

func seedStorage(records map[common.Key]common.Record) storage.Storage {
	store := storage.NewMemStorage()
	for k, r := range records {
		store.Write(k, r)
	}
	return store
}

func makeHomedTxn(id common.TxnID, keys []common.Key, md common.Metadata) *common.Transaction {
	txn := common.NewTransaction()
	txn.ID = id
	txn.Type = common.SingleHome
	txn.Home = int32(md.Master)
	for _, k := range keys {
		txn.ReadSet[k] = ""
		txn.MasterMetadata[k] = md
	}
	return txn
}

func newTestRemasterManager(store storage.Storage) *SimpleRemasterManager {
	return NewSimpleRemasterManager(store, common.NewHashPartitioner(1), 0)
}

func TestRemasterManagerValidCounters(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Value: "valueA", Metadata: common.Metadata{Master: 0, Counter: 1}},
	})
	rm := newTestRemasterManager(store)

	txn := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	assert.Equal(t, VerifyValid, rm.VerifyMaster(txn))
}

func TestRemasterManagerBehindCounterAborts(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 1}},
	})
	rm := newTestRemasterManager(store)

	txn := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 0})
	assert.Equal(t, VerifyAbort, rm.VerifyMaster(txn))
	assert.Equal(t, 0, rm.NumBlocked())
}

func TestRemasterManagerAheadCounterWaits(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 1}},
	})
	rm := newTestRemasterManager(store)

	txn := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 2})
	assert.Equal(t, VerifyWaiting, rm.VerifyMaster(txn))
	assert.Equal(t, 1, rm.NumBlocked())
}

// An unknown key defaults to counter 0.
func TestRemasterManagerNewKeyDefaultsToZero(t *testing.T) {
	rm := newTestRemasterManager(storage.NewMemStorage())

	txn := makeHomedTxn(100, []common.Key{"new"}, common.Metadata{Master: 0, Counter: 0})
	assert.Equal(t, VerifyValid, rm.VerifyMaster(txn))
}

// Txns from the same home queue behind a waiting predecessor regardless of
// their own counters, preserving log order.
func TestRemasterManagerQueuesBehindSameHome(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 0}},
		"B": {Metadata: common.Metadata{Master: 0, Counter: 0}},
	})
	rm := newTestRemasterManager(store)

	waiting := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(waiting))

	// B's counters match, but it arrives behind the parked txn of home 0.
	blocked := makeHomedTxn(200, []common.Key{"B"}, common.Metadata{Master: 0, Counter: 0})
	assert.Equal(t, VerifyWaiting, rm.VerifyMaster(blocked))
	assert.Equal(t, 2, rm.NumBlocked())
}

func TestRemasterManagerUnblocksChainOnRemaster(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 0}},
		"B": {Metadata: common.Metadata{Master: 0, Counter: 0}},
	})
	rm := newTestRemasterManager(store)

	t1 := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	t2 := makeHomedTxn(200, []common.Key{"B"}, common.Metadata{Master: 0, Counter: 0})
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t1))
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t2))

	// The remaster of A arrives: its counter reaches 1, so t1 unblocks, and
	// the exposed head t2 was valid all along.
	store.Write("A", common.Record{Metadata: common.Metadata{Master: 0, Counter: 1}})
	result := rm.RemasterOccurred("A", 1)

	require.Len(t, result.Unblocked, 2)
	assert.Equal(t, common.TxnID(100), result.Unblocked[0].ID)
	assert.Equal(t, common.TxnID(200), result.Unblocked[1].ID)
	assert.Empty(t, result.ShouldAbort)
	assert.Equal(t, 0, rm.NumBlocked())
}

// A remaster that overshoots a parked txn's counter aborts it.
func TestRemasterManagerAbortsOvershotHead(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 0}},
	})
	rm := newTestRemasterManager(store)

	t1 := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t1))

	store.Write("A", common.Record{Metadata: common.Metadata{Master: 1, Counter: 2}})
	result := rm.RemasterOccurred("A", 2)

	assert.Empty(t, result.Unblocked)
	require.Len(t, result.ShouldAbort, 1)
	assert.Equal(t, common.TxnID(100), result.ShouldAbort[0].ID)
}

// A remaster only wakes queues whose head touches the remastered key.
func TestRemasterManagerIgnoresUnrelatedKey(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 0}},
	})
	rm := newTestRemasterManager(store)

	t1 := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t1))

	result := rm.RemasterOccurred("unrelated", 1)
	assert.Empty(t, result.Unblocked)
	assert.Empty(t, result.ShouldAbort)
	assert.Equal(t, 1, rm.NumBlocked())
}

func TestRemasterManagerReleaseTransaction(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 0}},
		"B": {Metadata: common.Metadata{Master: 0, Counter: 0}},
	})
	rm := newTestRemasterManager(store)

	t1 := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	t2 := makeHomedTxn(200, []common.Key{"B"}, common.Metadata{Master: 0, Counter: 0})
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t1))
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t2))

	// Releasing the head exposes t2, which is valid. The released txn never
	// appears in the result.
	result := rm.ReleaseTransaction(100)
	require.Len(t, result.Unblocked, 1)
	assert.Equal(t, common.TxnID(200), result.Unblocked[0].ID)
	assert.Empty(t, result.ShouldAbort)
	assert.Equal(t, 0, rm.NumBlocked())
}

func TestRemasterManagerReleaseFromBody(t *testing.T) {
	store := seedStorage(map[common.Key]common.Record{
		"A": {Metadata: common.Metadata{Master: 0, Counter: 0}},
	})
	rm := newTestRemasterManager(store)

	t1 := makeHomedTxn(100, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	t2 := makeHomedTxn(200, []common.Key{"A"}, common.Metadata{Master: 0, Counter: 1})
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t1))
	require.Equal(t, VerifyWaiting, rm.VerifyMaster(t2))

	// Removing from the body does not change the head.
	result := rm.ReleaseTransaction(200)
	assert.Empty(t, result.Unblocked)
	assert.Empty(t, result.ShouldAbort)
	assert.Equal(t, 1, rm.NumBlocked())
}

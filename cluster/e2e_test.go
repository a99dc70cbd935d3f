package cluster

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/api"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/client"
	"github.com/ctring/slog/common"
)

func startCluster(t *testing.T, replicas, partitions uint32, seed map[common.Key]common.Record, configure func(*cfg.Configuration)) *TestCluster {
	t.Helper()
	tc, err := NewTestCluster(replicas, partitions, seed, configure)
	require.NoError(t, err)
	t.Cleanup(tc.Stop)
	return tc
}

func connect(t *testing.T, tc *TestCluster, replica, partition uint32) *client.Client {
	t.Helper()
	c, err := tc.Client(replica, partition)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func record(value string, master, counter uint32) common.Record {
	return common.Record{
		Value:    value,
		Metadata: common.Metadata{Master: master, Counter: counter},
	}
}

func newTxn(reads, writes []common.Key, code string) *common.Transaction {
	txn := common.NewTransaction()
	for _, k := range reads {
		txn.ReadSet[k] = ""
	}
	for _, k := range writes {
		txn.WriteSet[k] = ""
	}
	txn.Code = code
	return txn
}

func waitForStoredValue(t *testing.T, tc *TestCluster, replica, partition uint32, key common.Key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := tc.Machine(replica, partition).Storage().Read(key)
		return ok && rec.Value == want
	}, 5*time.Second, 10*time.Millisecond, "key %s did not reach %q at (%d,%d)", key, want, replica, partition)
}

// Single-partition committed read/write, applied at every replica.
func TestE2ESingleHomeReadWrite(t *testing.T) {
	tc := startCluster(t, 2, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 0),
		"D": record("valueD", 0, 0),
	}, nil)
	c := connect(t, tc, 0, 0)

	res, err := c.SubmitTxn(newTxn([]common.Key{"A"}, []common.Key{"D"}, "GET A SET D newD"))
	require.NoError(t, err)

	assert.Equal(t, common.Committed, res.Status, "abort reason: %s", res.AbortReason)
	assert.Equal(t, "valueA", res.ReadSet["A"])
	assert.Equal(t, "newD", res.WriteSet["D"])

	waitForStoredValue(t, tc, 0, 0, "D", "newD")
	waitForStoredValue(t, tc, 1, 0, "D", "newD")
}

// Multi-partition mutual write: each partition reads the other's key and
// swaps the values.
func TestE2EMultiPartitionMutualWrite(t *testing.T) {
	tc := startCluster(t, 1, 2, map[common.Key]common.Record{
		"100": record("valueB", 0, 0),
		"101": record("valueC", 0, 0),
	}, nil)
	c := connect(t, tc, 0, 0)

	res, err := c.SubmitTxn(newTxn(
		[]common.Key{"100", "101"},
		[]common.Key{"100", "101"},
		"COPY 101 100 COPY 100 101"))
	require.NoError(t, err)

	assert.Equal(t, common.Committed, res.Status, "abort reason: %s", res.AbortReason)
	assert.Equal(t, "valueC", res.WriteSet["100"])
	assert.Equal(t, "valueB", res.WriteSet["101"])

	waitForStoredValue(t, tc, 0, 0, "100", "valueC")
	waitForStoredValue(t, tc, 0, 1, "101", "valueB")
}

// A txn forwarded with a counter behind storage aborts deterministically.
func TestE2EStaleCounterAborts(t *testing.T) {
	tc := startCluster(t, 1, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 1),
	}, nil)
	c := connect(t, tc, 0, 0)

	txn := newTxn(nil, []common.Key{"A"}, "SET A newA")
	txn.MasterMetadata["A"] = common.Metadata{Master: 0, Counter: 0}

	res, err := c.SubmitTxn(txn)
	require.NoError(t, err)

	assert.Equal(t, common.Aborted, res.Status)
	assert.Contains(t, res.AbortReason, "Stale master counter")

	rec, _ := tc.Machine(0, 0).Storage().Read("A")
	assert.Equal(t, "valueA", rec.Value)
}

// A txn whose counter runs ahead parks until the expected remaster commits,
// then goes through.
func TestE2ECounterAheadWaitsForRemaster(t *testing.T) {
	tc := startCluster(t, 1, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 1),
	}, nil)
	c := connect(t, tc, 0, 0)

	t1 := newTxn(nil, []common.Key{"A"}, "SET A newA")
	t1.MasterMetadata["A"] = common.Metadata{Master: 0, Counter: 2}
	t1Future := c.SubmitTxnAsync(t1)

	// Let t1 reach the scheduler and park behind the missing remaster.
	time.Sleep(200 * time.Millisecond)

	remaster := common.NewTransaction()
	remaster.WriteSet["A"] = ""
	remaster.Remaster = &common.RemasterProcedure{NewMaster: 0}
	remaster.MasterMetadata["A"] = common.Metadata{Master: 0, Counter: 1}

	res, err := c.SubmitTxn(remaster)
	require.NoError(t, err)
	require.Equal(t, common.Committed, res.Status, "abort reason: %s", res.AbortReason)

	t1Res, err := t1Future.Get()
	require.NoError(t, err)
	assert.Equal(t, common.Committed, t1Res.Status, "abort reason: %s", t1Res.AbortReason)

	rec, _ := tc.Machine(0, 0).Storage().Read("A")
	assert.Equal(t, "newA", rec.Value)
	assert.Equal(t, uint32(2), rec.Metadata.Counter)
}

// Multi-home txn across two regions: the global log orders the batch, each
// region emits a lock-only, and the join commits with both values.
func TestE2EMultiHomeTwoRegions(t *testing.T) {
	tc := startCluster(t, 2, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 0),
		"C": record("valueC", 1, 0),
	}, nil)
	c := connect(t, tc, 0, 0)

	res, err := c.SubmitTxn(newTxn([]common.Key{"A", "C"}, nil, "GET A GET C"))
	require.NoError(t, err)

	assert.Equal(t, common.Committed, res.Status, "abort reason: %s", res.AbortReason)
	assert.Equal(t, "valueA", res.ReadSet["A"])
	assert.Equal(t, "valueC", res.ReadSet["C"])
}

// Multi-home txn that writes in both regions.
func TestE2EMultiHomeWrite(t *testing.T) {
	tc := startCluster(t, 2, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 0),
		"C": record("valueC", 1, 0),
	}, nil)
	c := connect(t, tc, 0, 0)

	res, err := c.SubmitTxn(newTxn(
		[]common.Key{"A", "C"},
		[]common.Key{"A", "C"},
		"COPY C A COPY A C"))
	require.NoError(t, err)

	assert.Equal(t, common.Committed, res.Status, "abort reason: %s", res.AbortReason)
	assert.Equal(t, "valueC", res.WriteSet["A"])
	assert.Equal(t, "valueA", res.WriteSet["C"])

	waitForStoredValue(t, tc, 0, 0, "A", "valueC")
	waitForStoredValue(t, tc, 1, 0, "A", "valueC")
	waitForStoredValue(t, tc, 0, 0, "C", "valueA")
	waitForStoredValue(t, tc, 1, 0, "C", "valueA")
}

// With bypass_mh_orderer, lock-onlys reach the sequencers without global
// Paxos and the txn still commits.
func TestE2EMultiHomeBypassOrderer(t *testing.T) {
	tc := startCluster(t, 2, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 0),
		"C": record("valueC", 1, 0),
	}, func(config *cfg.Configuration) {
		config.BypassMHOrderer = true
	})
	c := connect(t, tc, 0, 0)

	res, err := c.SubmitTxn(newTxn([]common.Key{"A", "C"}, nil, "GET A GET C"))
	require.NoError(t, err)

	assert.Equal(t, common.Committed, res.Status, "abort reason: %s", res.AbortReason)
	assert.Equal(t, "valueA", res.ReadSet["A"])
	assert.Equal(t, "valueC", res.ReadSet["C"])
}

// Validation failures surface as aborted txns with their reason, without
// entering the pipeline.
func TestE2EValidationAborts(t *testing.T) {
	tc := startCluster(t, 1, 1, nil, nil)
	c := connect(t, tc, 0, 0)

	res, err := c.SubmitTxn(common.NewTransaction())
	require.NoError(t, err)
	assert.Equal(t, common.Aborted, res.Status)
	assert.Equal(t, "Txn accesses no key", res.AbortReason)

	badRemaster := common.NewTransaction()
	badRemaster.ReadSet["A"] = ""
	badRemaster.WriteSet["A"] = ""
	badRemaster.Remaster = &common.RemasterProcedure{NewMaster: 0}
	res, err = c.SubmitTxn(badRemaster)
	require.NoError(t, err)
	assert.Equal(t, common.Aborted, res.Status)
	assert.Equal(t, "Remaster txns should not read anything", res.AbortReason)

	wideRemaster := common.NewTransaction()
	wideRemaster.WriteSet["A"] = ""
	wideRemaster.WriteSet["B"] = ""
	wideRemaster.Remaster = &common.RemasterProcedure{NewMaster: 0}
	res, err = c.SubmitTxn(wideRemaster)
	require.NoError(t, err)
	assert.Equal(t, common.Aborted, res.Status)
	assert.Equal(t, "Remaster txns should write to 1 key", res.AbortReason)
}

// Conflicting writes from one client settle on a single deterministic order
// at every replica.
func TestE2EConflictingWritesAllReplicasConverge(t *testing.T) {
	tc := startCluster(t, 2, 1, map[common.Key]common.Record{
		"A": record("init", 0, 0),
	}, nil)
	c := connect(t, tc, 0, 0)

	const n = 10
	futures := make([]*future.Future[*common.Transaction], 0, n)
	for i := 0; i < n; i++ {
		txn := newTxn(nil, []common.Key{"A"}, fmt.Sprintf("SET A v%d", i))
		futures = append(futures, c.SubmitTxnAsync(txn))
	}
	for _, f := range futures {
		res, err := f.Get()
		require.NoError(t, err)
		require.Equal(t, common.Committed, res.Status)
	}

	require.Eventually(t, func() bool {
		r0, ok0 := tc.Machine(0, 0).Storage().Read("A")
		r1, ok1 := tc.Machine(1, 0).Storage().Read("A")
		return ok0 && ok1 && r0.Value == r1.Value && r0.Value != "init"
	}, 5*time.Second, 10*time.Millisecond)
}

// Stats requests reach the server and scheduler modules and return JSON.
func TestE2EStats(t *testing.T) {
	tc := startCluster(t, 1, 1, map[common.Key]common.Record{
		"A": record("valueA", 0, 0),
	}, nil)
	c := connect(t, tc, 0, 0)

	_, err := c.SubmitTxn(newTxn([]common.Key{"A"}, nil, "GET A"))
	require.NoError(t, err)

	raw, err := c.Stats(1, api.StatsServer)
	require.NoError(t, err)
	var serverStats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &serverStats))
	assert.Contains(t, serverStats, "txn_id_counter")

	raw, err = c.Stats(1, api.StatsScheduler)
	require.NoError(t, err)
	var schedStats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &schedStats))
	assert.Contains(t, schedStats, "num_all_txns")
	assert.Contains(t, schedStats, "num_locked_keys")
}

package interleaver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

// testRig wires an interleaver for machine (0,0) of a 2x1 grid to a real
// broker pair so that sends to the sibling region land somewhere. The test
// drives the interleaver synchronously: feed() handles envelopes directly
// and pump() replays the self-addressed batch orders the interleaver
// broadcasts through its own channel.
type testRig struct {
	interleaver     *Interleaver
	interleaverRecv <-chan *broker.Envelope
	scheduler       <-chan *broker.Envelope
	brokers         []*broker.Broker
}

func newTestRig(t *testing.T, ratio string) *testRig {
	t.Helper()
	network := broker.NewInprocNetwork()

	base := &cfg.Configuration{}
	*base = *cfg.Config
	base.Protocol = cfg.ProtocolInproc
	base.NumPartitions = 1
	base.Replicas = []cfg.ReplicaConfiguration{
		{Addresses: []string{"inproc-0-0"}},
		{Addresses: []string{"inproc-1-0"}},
	}
	base.InterleaverRemoteToLocalRatio = ratio

	rig := &testRig{}
	var wg sync.WaitGroup
	for r := uint32(0); r < 2; r++ {
		config := &cfg.Configuration{}
		*config = *base
		config.Local = common.MachineID{Replica: r, Partition: 0}

		b := broker.New(config, network.Transport(config.Local))
		recv := b.AddChannel(common.InterleaverChannel)
		sched := b.AddChannel(common.SchedulerChannel)
		rig.brokers = append(rig.brokers, b)

		if r == 0 {
			rig.interleaver = New(config, broker.NewSender(b))
			rig.interleaverRecv = recv
			rig.scheduler = sched
		}

		wg.Add(1)
		go func(b *broker.Broker) {
			defer wg.Done()
			require.NoError(t, b.Start())
		}(b)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, b := range rig.brokers {
			b.Stop()
		}
	})
	return rig
}

func (r *testRig) feed(from common.MachineID, req *broker.Request) {
	r.interleaver.HandleEnvelope(&broker.Envelope{
		From:    from,
		Channel: common.InterleaverChannel,
		Request: req,
	})
	r.pump()
}

// pump replays envelopes the interleaver addressed to itself.
func (r *testRig) pump() {
	for {
		select {
		case env := <-r.interleaverRecv:
			r.interleaver.HandleEnvelope(env)
		default:
			return
		}
	}
}

func (r *testRig) emitted() []common.TxnID {
	var out []common.TxnID
	for {
		select {
		case env := <-r.scheduler:
			if env.Request != nil && env.Request.ForwardTxn != nil {
				out = append(out, env.Request.ForwardTxn.Txn.ID)
			}
		default:
			return out
		}
	}
}

func singleTxnBatch(id common.BatchID, txnID common.TxnID) *common.Batch {
	b := common.NewBatch(common.SingleHome)
	b.ID = id
	txn := common.NewTransaction()
	txn.ID = txnID
	txn.Type = common.SingleHome
	b.Transactions = append(b.Transactions, txn)
	return b
}

func (r *testRig) feedLocalBatch(pos uint32, slot common.SlotID, batchID common.BatchID, txnID common.TxnID) {
	local := common.MachineID{Replica: 0, Partition: 0}
	r.feed(local, &broker.Request{ForwardBatch: &broker.ForwardBatch{
		BatchData:          singleTxnBatch(batchID, txnID),
		SameOriginPosition: pos,
	}})
	r.feed(local, &broker.Request{LocalQueueOrder: &broker.LocalQueueOrder{Slot: slot, QueueID: 0}})
}

func (r *testRig) feedRemoteBatch(slot common.SlotID, batchID common.BatchID, txnID common.TxnID) {
	remote := common.MachineID{Replica: 1, Partition: 0}
	r.feed(remote, &broker.Request{ForwardBatch: &broker.ForwardBatch{
		BatchData: singleTxnBatch(batchID, txnID),
	}})
	r.feed(remote, &broker.Request{ForwardBatch: &broker.ForwardBatch{
		BatchOrder: &broker.BatchOrder{BatchID: batchID, Slot: slot},
	}})
}

// A local batch needs both its data and its Paxos slot; the txns come out
// tagged with the local region.
func TestInterleaverEmitsLocalBatch(t *testing.T) {
	rig := newTestRig(t, "1:1")

	local := common.MachineID{Replica: 0, Partition: 0}
	rig.feed(local, &broker.Request{ForwardBatch: &broker.ForwardBatch{
		BatchData:          singleTxnBatch(1000, 7),
		SameOriginPosition: 0,
	}})
	assert.Empty(t, rig.emitted())

	rig.feed(local, &broker.Request{LocalQueueOrder: &broker.LocalQueueOrder{Slot: 0, QueueID: 0}})
	assert.Equal(t, []common.TxnID{7}, rig.emitted())
}

// A remote batch is consumed in the order assigned by the origin region's
// local Paxos, carried by batch-order messages.
func TestInterleaverEmitsRemoteBatchInOrder(t *testing.T) {
	rig := newTestRig(t, "1:1")

	// Data for slots 0 and 1 arrive in reverse slot order.
	rig.feedRemoteBatch(1, 2001, 101)
	assert.Empty(t, rig.emitted())
	rig.feedRemoteBatch(0, 2000, 100)

	assert.Equal(t, []common.TxnID{100, 101}, rig.emitted())
}

// The merge is a function of (local log, remote logs, ratio): re-running it
// on the same inputs yields the same sequence.
func TestInterleaverMergeIsDeterministic(t *testing.T) {
	run := func() []common.TxnID {
		rig := newTestRig(t, "2:1")
		for n := uint32(0); n < 4; n++ {
			rig.feedLocalBatch(n, common.SlotID(n), common.BatchID(1000+n), common.TxnID(n))
			rig.feedRemoteBatch(common.SlotID(n), common.BatchID(2000+n), common.TxnID(100+n))
		}
		out := rig.emitted()
		require.Len(t, out, 8)
		return out
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

// Multi-home batches are emitted in global Paxos slot order.
func TestInterleaverEmitsMultiHomeBySlot(t *testing.T) {
	rig := newTestRig(t, "1:1")

	mh := func(slot common.BatchID, txnID common.TxnID) *common.Batch {
		b := common.NewBatch(common.MultiHome)
		b.ID = slot
		txn := common.NewTransaction()
		txn.ID = txnID
		txn.Type = common.MultiHome
		b.Transactions = append(b.Transactions, txn)
		return b
	}

	local := common.MachineID{Replica: 0, Partition: 0}
	rig.feed(local, &broker.Request{ForwardBatch: &broker.ForwardBatch{BatchData: mh(1, 11)}})
	assert.Empty(t, rig.emitted())
	rig.feed(local, &broker.Request{ForwardBatch: &broker.ForwardBatch{BatchData: mh(0, 10)}})

	assert.Equal(t, []common.TxnID{10, 11}, rig.emitted())
}

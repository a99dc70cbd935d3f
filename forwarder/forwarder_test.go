package forwarder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

type forwarderRig struct {
	forwarder *Forwarder
	channels  map[common.MachineID]map[common.Channel]<-chan *broker.Envelope
	brokers   []*broker.Broker
}

func newForwarderRig(t *testing.T) *forwarderRig {
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

	rig := &forwarderRig{channels: make(map[common.MachineID]map[common.Channel]<-chan *broker.Envelope)}
	var wg sync.WaitGroup
	for r := uint32(0); r < 2; r++ {
		config := &cfg.Configuration{}
		*config = *base
		config.Local = common.MachineID{Replica: r, Partition: 0}

		b := broker.New(config, network.Transport(config.Local))
		chans := map[common.Channel]<-chan *broker.Envelope{
			common.ServerChannel:           b.AddChannel(common.ServerChannel),
			common.SequencerChannel:        b.AddChannel(common.SequencerChannel),
			common.MultiHomeOrdererChannel: b.AddChannel(common.MultiHomeOrdererChannel),
		}
		rig.channels[config.Local] = chans
		rig.brokers = append(rig.brokers, b)

		if r == 0 {
			rig.forwarder = New(config, broker.NewSender(b))
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

func (r *forwarderRig) receive(m common.MachineID, ch common.Channel) *broker.Envelope {
	select {
	case env := <-r.channels[m][ch]:
		return env
	default:
		return nil
	}
}

func annotatedTxn(masters map[common.Key]uint32) *common.Transaction {
	txn := common.NewTransaction()
	txn.ID = 100
	for k, m := range masters {
		txn.ReadSet[k] = ""
		txn.MasterMetadata[k] = common.Metadata{Master: m}
	}
	return txn
}

func TestForwarderSingleHomeLocalRegion(t *testing.T) {
	rig := newForwarderRig(t)

	rig.forwarder.handleTxn(annotatedTxn(map[common.Key]uint32{"A": 0}))

	env := rig.receive(common.MachineID{Replica: 0, Partition: 0}, common.SequencerChannel)
	require.NotNil(t, env)
	assert.Equal(t, common.SingleHome, env.Request.ForwardTxn.Txn.Type)
}

func TestForwarderSingleHomeRemoteRegion(t *testing.T) {
	rig := newForwarderRig(t)

	rig.forwarder.handleTxn(annotatedTxn(map[common.Key]uint32{"A": 1}))

	env := rig.receive(common.MachineID{Replica: 1, Partition: 0}, common.SequencerChannel)
	require.NotNil(t, env)
	assert.Equal(t, common.SingleHome, env.Request.ForwardTxn.Txn.Type)
	assert.Nil(t, rig.receive(common.MachineID{Replica: 0, Partition: 0}, common.SequencerChannel))
}

func TestForwarderMultiHomeGoesToOrderer(t *testing.T) {
	rig := newForwarderRig(t)

	rig.forwarder.handleTxn(annotatedTxn(map[common.Key]uint32{"A": 0, "C": 1}))

	env := rig.receive(common.MachineID{Replica: 0, Partition: 0}, common.MultiHomeOrdererChannel)
	require.NotNil(t, env)
	assert.Equal(t, common.MultiHome, env.Request.ForwardTxn.Txn.Type)
}

// Unknown keys trigger a lookup round; the answer completes classification.
func TestForwarderLooksUpUnknownMasters(t *testing.T) {
	rig := newForwarderRig(t)

	txn := common.NewTransaction()
	txn.ID = 100
	txn.ReadSet["A"] = ""
	rig.forwarder.handleTxn(txn)

	env := rig.receive(common.MachineID{Replica: 0, Partition: 0}, common.ServerChannel)
	require.NotNil(t, env)
	require.NotNil(t, env.Request.LookupMaster)
	assert.Equal(t, []common.Key{"A"}, env.Request.LookupMaster.Keys)

	rig.forwarder.handleLookupResult(&broker.LookupMasterResult{
		TxnID:          100,
		MasterMetadata: map[common.Key]common.Metadata{"A": {Master: 1, Counter: 2}},
	})

	env = rig.receive(common.MachineID{Replica: 1, Partition: 0}, common.SequencerChannel)
	require.NotNil(t, env)
	forwarded := env.Request.ForwardTxn.Txn
	assert.Equal(t, common.SingleHome, forwarded.Type)
	assert.Equal(t, common.Metadata{Master: 1, Counter: 2}, forwarded.MasterMetadata["A"])
}

// New keys default to the configured master region with counter zero.
func TestForwarderNewKeyDefaults(t *testing.T) {
	rig := newForwarderRig(t)

	txn := common.NewTransaction()
	txn.ID = 100
	txn.WriteSet["fresh"] = ""
	rig.forwarder.handleTxn(txn)

	rig.forwarder.handleLookupResult(&broker.LookupMasterResult{
		TxnID:   100,
		NewKeys: []common.Key{"fresh"},
	})

	env := rig.receive(common.MachineID{Replica: 0, Partition: 0}, common.SequencerChannel)
	require.NotNil(t, env)
	forwarded := env.Request.ForwardTxn.Txn
	assert.Equal(t, common.SingleHome, forwarded.Type)
	assert.Equal(t, common.Metadata{Master: common.DefaultMasterRegionOfNewKey, Counter: 0},
		forwarded.MasterMetadata["fresh"])
}

// A cross-region remaster classifies as multi-home even though all keys
// share one current master.
func TestForwarderRemasterAcrossRegionsIsMultiHome(t *testing.T) {
	rig := newForwarderRig(t)

	txn := common.NewTransaction()
	txn.ID = 100
	txn.WriteSet["A"] = ""
	txn.MasterMetadata["A"] = common.Metadata{Master: 0, Counter: 1}
	txn.Remaster = &common.RemasterProcedure{NewMaster: 1}
	rig.forwarder.handleTxn(txn)

	env := rig.receive(common.MachineID{Replica: 0, Partition: 0}, common.MultiHomeOrdererChannel)
	require.NotNil(t, env)
	assert.Equal(t, common.MultiHome, env.Request.ForwardTxn.Txn.Type)
}

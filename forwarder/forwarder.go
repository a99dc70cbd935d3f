// Package forwarder annotates incoming transactions with the master
// metadata of their keys and routes them: single-home txns to their home
// region's sequencer, multi-home txns to the multi-home orderer.
package forwarder

import (
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

const metadataCacheSize = 65536

// Forwarder classifies transactions. Keys whose masters are unknown locally
// are resolved by asking every partition of the local region; answers are
// cached so that hot keys classify without a round trip.
type Forwarder struct {
	config *cfg.Configuration
	sender *broker.Sender

	pending map[common.TxnID]*common.Transaction
	cache   *lru.Cache[common.Key, common.Metadata]
	rng     *rand.Rand
}

func New(config *cfg.Configuration, sender *broker.Sender) *Forwarder {
	cache, err := lru.New[common.Key, common.Metadata](metadataCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build metadata cache")
	}
	return &Forwarder{
		config:  config,
		sender:  sender,
		pending: make(map[common.TxnID]*common.Transaction),
		cache:   cache,
		rng:     rand.New(rand.NewSource(int64(config.LocalMachineNum()))),
	}
}

func (f *Forwarder) Name() string {
	return "forwarder"
}

// OnTick re-issues lookups for txns whose answers got lost during broker
// warm-up.
func (f *Forwarder) OnTick() {
	for _, txn := range f.pending {
		f.sendLookups(txn)
	}
}

func (f *Forwarder) HandleEnvelope(env *broker.Envelope) {
	switch {
	case env.Request != nil && env.Request.ForwardTxn != nil:
		f.handleTxn(env.Request.ForwardTxn.Txn)
	case env.Response != nil && env.Response.LookupMasterResult != nil:
		f.handleLookupResult(env.Response.LookupMasterResult)
	default:
		log.Error().Msg("Unexpected request type received by forwarder")
	}
}

func (f *Forwarder) handleTxn(txn *common.Transaction) {
	// Seed missing metadata from the cache before going to the servers.
	for _, key := range txn.Keys() {
		if _, ok := txn.MasterMetadata[key]; ok {
			continue
		}
		if md, ok := f.cache.Get(key); ok {
			txn.MasterMetadata[key] = md
		}
	}

	if f.setTransactionType(txn) != common.UnknownTxn {
		f.forward(txn)
		return
	}

	f.pending[txn.ID] = txn
	f.sendLookups(txn)
}

func (f *Forwarder) sendLookups(txn *common.Transaction) {
	var missing []common.Key
	for _, key := range txn.Keys() {
		if _, ok := txn.MasterMetadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return
	}
	req := &broker.Request{LookupMaster: &broker.LookupMaster{TxnID: txn.ID, Keys: missing}}
	for p := uint32(0); p < f.config.NumPartitions; p++ {
		f.sender.Send(req, common.MachineID{
			Replica:   f.config.Local.Replica,
			Partition: p,
		}, common.ServerChannel)
	}
}

func (f *Forwarder) handleLookupResult(res *broker.LookupMasterResult) {
	txn, ok := f.pending[res.TxnID]
	if !ok {
		return
	}

	for key, md := range res.MasterMetadata {
		if txnContainsKey(txn, key) {
			txn.MasterMetadata[key] = md
			f.cache.Add(key, md)
		}
	}
	for _, key := range res.NewKeys {
		if txnContainsKey(txn, key) {
			if _, ok := txn.MasterMetadata[key]; !ok {
				txn.MasterMetadata[key] = common.Metadata{
					Master:  common.DefaultMasterRegionOfNewKey,
					Counter: 0,
				}
			}
		}
	}

	if f.setTransactionType(txn) != common.UnknownTxn {
		f.forward(txn)
		delete(f.pending, res.TxnID)
	}
}

func txnContainsKey(txn *common.Transaction, key common.Key) bool {
	if _, ok := txn.ReadSet[key]; ok {
		return true
	}
	_, ok := txn.WriteSet[key]
	return ok
}

// setTransactionType classifies the txn once every key has metadata: one
// master means single-home, several mean multi-home.
func (f *Forwarder) setTransactionType(txn *common.Transaction) common.TxnType {
	for _, key := range txn.Keys() {
		if _, ok := txn.MasterMetadata[key]; !ok {
			txn.Type = common.UnknownTxn
			return txn.Type
		}
	}
	// A remaster whose new master differs from the current one involves both
	// regions, so InvolvedReplicas already reports it as multi-home.
	if len(txn.InvolvedReplicas()) == 1 {
		txn.Type = common.SingleHome
	} else {
		txn.Type = common.MultiHome
	}
	return txn.Type
}

func (f *Forwarder) forward(txn *common.Transaction) {
	req := &broker.Request{ForwardTxn: &broker.ForwardTxn{Txn: txn}}

	switch txn.Type {
	case common.SingleHome:
		home := txn.HomeReplica()
		if home == f.config.Local.Replica {
			log.Debug().Uint64("txn", uint64(txn.ID)).Msg("Current region is home of txn")
			f.sender.SendLocal(req, common.SequencerChannel)
			return
		}
		// Any partition of the home region will do.
		partition := uint32(f.rng.Intn(int(f.config.NumPartitions)))
		log.Debug().
			Uint64("txn", uint64(txn.ID)).
			Uint32("home", home).
			Uint32("partition", partition).
			Msg("Forwarding txn to its home region")
		f.sender.Send(req, common.MachineID{Replica: home, Partition: partition}, common.SequencerChannel)

	case common.MultiHome:
		if f.config.BypassMHOrderer {
			// Skip global ordering: hand the txn to one sequencer per
			// involved region; each region decomposes its own lock-only.
			partition := uint32(txn.ID % common.TxnID(f.config.NumPartitions))
			for _, rep := range txn.InvolvedReplicas() {
				f.sender.Send(req, common.MachineID{Replica: rep, Partition: partition}, common.SequencerChannel)
			}
			return
		}
		log.Debug().Uint64("txn", uint64(txn.ID)).Msg("Multi-home txn, sending to the orderer")
		f.sender.Send(req, common.MachineID{
			Replica:   f.config.Local.Replica,
			Partition: f.config.LeaderPartitionForMultiHomeOrdering(),
		}, common.MultiHomeOrdererChannel)
	}
}

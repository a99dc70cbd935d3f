// Package server implements the client-facing API: it admits transactions,
// assigns ids, answers master lookups for forwarders, and assembles the
// completed sub-transactions coming back from schedulers into full client
// responses.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/api"
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
	"github.com/ctring/slog/telemetry"
)

// clientRequest is a parsed frame plus the connection it came from.
type clientRequest struct {
	req  *api.Request
	conn *clientConn
}

type pendingResponse struct {
	conn     *clientConn
	streamID uint64
	started  time.Time

	// Multi-partition assembly state, populated on the first completed
	// sub-txn.
	txn       *common.Transaction
	remaining map[uint32]struct{}
}

// Server is the API module of one machine. Connection goroutines feed parsed
// frames into the module loop; all state below is touched only there.
type Server struct {
	config *cfg.Configuration
	sender *broker.Sender
	store  storage.Storage

	listener   net.Listener
	clientReqs chan clientRequest
	recv       <-chan *broker.Envelope
	stop       chan struct{}
	done       chan struct{}

	txnIDCounter uint64

	pendingResponses map[common.TxnID]*pendingResponse
	// Stats requests forwarded to the scheduler, keyed by request id.
	pendingStats map[uint64]*pendingResponse
}

func New(
	config *cfg.Configuration,
	sender *broker.Sender,
	recv <-chan *broker.Envelope,
	store storage.Storage,
) *Server {
	return &Server{
		config:           config,
		sender:           sender,
		store:            store,
		clientReqs:       make(chan clientRequest, 1024),
		recv:             recv,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		pendingResponses: make(map[common.TxnID]*pendingResponse),
		pendingStats:     make(map[uint64]*pendingResponse),
	}
}

func (s *Server) Name() string {
	return "server"
}

// Start launches the accept loop on the given listener and the module loop.
func (s *Server) Start(listener net.Listener) {
	s.listener = listener
	go s.acceptLoop()
	go s.loop()
}

func (s *Server) Stop() {
	close(s.stop)
	if s.listener != nil {
		s.listener.Close()
	}
	<-s.done
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("Server accept")
			continue
		}
		c := newClientConn(conn)
		go c.readLoop(s.clientReqs, s.stop)
	}
}

func (s *Server) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case cr := <-s.clientReqs:
			s.handleAPIRequest(cr)
		case env := <-s.recv:
			s.handleEnvelope(env)
		}
	}
}

/***********************************************
                  API Requests
***********************************************/

func (s *Server) handleAPIRequest(cr clientRequest) {
	// While this is called a txn id, it keys any kind of request.
	txnID := s.nextTxnID()
	if _, ok := s.pendingResponses[txnID]; ok {
		log.Fatal().Uint64("txn", uint64(txnID)).Msg("Duplicate transaction id")
	}

	pending := &pendingResponse{
		conn:     cr.conn,
		streamID: cr.req.StreamID,
		started:  time.Now(),
	}

	switch {
	case cr.req.Txn != nil:
		txn := cr.req.Txn.Txn
		if txn == nil {
			txn = common.NewTransaction()
		}
		txn.EnsureMaps()
		txn.ID = txnID
		txn.CoordServer = s.config.Local

		if reason, ok := validateTransaction(txn); !ok {
			txn.Status = common.Aborted
			txn.AbortReason = reason
			s.pendingResponses[txnID] = pending
			s.respondToClient(txnID, txn)
			return
		}

		s.pendingResponses[txnID] = pending
		s.sender.SendLocal(&broker.Request{
			ForwardTxn: &broker.ForwardTxn{Txn: txn},
		}, common.ForwarderChannel)

	case cr.req.Stats != nil:
		statsReq := &broker.StatsRequest{ID: uint64(txnID), Level: cr.req.Stats.Level}
		switch cr.req.Stats.Module {
		case api.StatsServer:
			s.pendingResponses[txnID] = pending
			s.respondStats(uint64(txnID), s.statsJSON(cr.req.Stats.Level))
		case api.StatsScheduler:
			s.pendingResponses[txnID] = pending
			s.pendingStats[uint64(txnID)] = pending
			s.sender.SendLocal(&broker.Request{Stats: statsReq}, common.SchedulerChannel)
		default:
			log.Error().Msg("Invalid module for stats request")
		}

	default:
		log.Error().Msg("Unexpected client request type")
	}
}

// validateTransaction rejects malformed txns before they enter the pipeline.
func validateTransaction(txn *common.Transaction) (string, bool) {
	if len(txn.ReadSet) == 0 && len(txn.WriteSet) == 0 {
		return "Txn accesses no key", false
	}
	if txn.Remaster != nil {
		if len(txn.ReadSet) != 0 {
			return "Remaster txns should not read anything", false
		}
		if len(txn.WriteSet) != 1 {
			return "Remaster txns should write to 1 key", false
		}
	}
	return "", true
}

func (s *Server) nextTxnID() common.TxnID {
	s.txnIDCounter++
	return common.TxnID(s.txnIDCounter*common.MaxNumMachines + uint64(s.config.LocalMachineNum()))
}

/***********************************************
              Internal Requests
***********************************************/

func (s *Server) handleEnvelope(env *broker.Envelope) {
	switch {
	case env.Request != nil && env.Request.LookupMaster != nil:
		s.processLookupMaster(env.Request.LookupMaster, env.From)
	case env.Request != nil && env.Request.CompletedSubtxn != nil:
		s.processCompletedSubtxn(env.Request.CompletedSubtxn)
	case env.Response != nil && env.Response.Stats != nil:
		s.respondStats(env.Response.Stats.ID, env.Response.Stats.StatsJSON)
	default:
		log.Error().Msg("Unexpected request type received by server")
	}
}

func (s *Server) processLookupMaster(req *broker.LookupMaster, from common.MachineID) {
	result := &broker.LookupMasterResult{
		TxnID:          req.TxnID,
		MasterMetadata: make(map[common.Key]common.Metadata),
	}
	for _, key := range req.Keys {
		if !s.config.KeyIsInLocalPartition(key) {
			continue
		}
		if record, found := s.store.Read(key); found {
			result.MasterMetadata[key] = record.Metadata
		} else {
			result.NewKeys = append(result.NewKeys, key)
		}
	}
	s.sender.SendResponse(&broker.Response{LookupMasterResult: result}, from, common.ForwarderChannel)
}

func (s *Server) processCompletedSubtxn(sub *broker.CompletedSubtxn) {
	pending, ok := s.pendingResponses[sub.Txn.ID]
	if !ok {
		// Duplicate or a sub-txn for a response already sent.
		return
	}

	if pending.txn == nil {
		pending.txn = sub.Txn
		pending.txn.EnsureMaps()
		pending.remaining = make(map[uint32]struct{}, len(sub.InvolvedPartitions))
		for _, p := range sub.InvolvedPartitions {
			pending.remaining[p] = struct{}{}
		}
	} else {
		mergeSubtxn(pending.txn, sub.Txn)
	}
	delete(pending.remaining, sub.Partition)

	if len(pending.remaining) == 0 {
		s.respondToClient(sub.Txn.ID, pending.txn)
	}
}

// mergeSubtxn folds the partition-local view of a finished sub-txn into the
// accumulated response. Each partition contributes its own keys; an abort on
// any partition aborts the whole txn.
func mergeSubtxn(dst, src *common.Transaction) {
	for k, v := range src.ReadSet {
		dst.ReadSet[k] = v
	}
	for k, v := range src.WriteSet {
		dst.WriteSet[k] = v
	}
	dst.DeleteSet = append(dst.DeleteSet, src.DeleteSet...)
	if src.Status == common.Aborted {
		dst.Status = common.Aborted
		if dst.AbortReason == "" {
			dst.AbortReason = src.AbortReason
		}
	}
}

/***********************************************
              Responses
***********************************************/

func (s *Server) respondToClient(txnID common.TxnID, txn *common.Transaction) {
	pending, ok := s.pendingResponses[txnID]
	if !ok {
		return
	}
	delete(s.pendingResponses, txnID)

	if telemetry.Sampled() {
		telemetry.TxnLatencySeconds.Observe(time.Since(pending.started).Seconds())
	}

	if s.config.ReturnDummyTxn {
		txn = &common.Transaction{
			ID:          txn.ID,
			Status:      txn.Status,
			AbortReason: txn.AbortReason,
		}
	}

	pending.conn.write(&api.Response{
		StreamID: pending.streamID,
		Txn:      &api.TxnResponse{Txn: txn},
	})
}

func (s *Server) respondStats(id uint64, statsJSON string) {
	txnID := common.TxnID(id)
	pending, ok := s.pendingResponses[txnID]
	if !ok {
		return
	}
	delete(s.pendingResponses, txnID)
	delete(s.pendingStats, id)

	pending.conn.write(&api.Response{
		StreamID: pending.streamID,
		Stats:    &api.StatsResponse{StatsJSON: statsJSON},
	})
}

func (s *Server) statsJSON(level uint32) string {
	stats := map[string]interface{}{
		"txn_id_counter":        s.txnIDCounter,
		"num_pending_responses": len(s.pendingResponses),
	}
	if level >= 1 {
		ids := make([]uint64, 0, len(s.pendingResponses))
		for id := range s.pendingResponses {
			ids = append(ids, uint64(id))
		}
		stats["pending_responses"] = ids
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode server stats")
		return "{}"
	}
	return string(raw)
}

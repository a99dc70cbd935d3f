// Package api defines the request/response frames exchanged between clients
// and the server module: an identity envelope with a stream id plus a
// length-delimited msgpack payload.
package api

import "github.com/ctring/slog/common"

// StatsModule selects which module a stats request targets.
type StatsModule int32

const (
	StatsServer StatsModule = iota
	StatsScheduler
)

// Request is a client frame; exactly one of Txn and Stats is set.
type Request struct {
	// StreamID is chosen by the client to match responses to requests. The
	// server echoes it back untouched.
	StreamID uint64 `msgpack:"stream"`

	Txn   *TxnRequest   `msgpack:"txn,omitempty"`
	Stats *StatsRequest `msgpack:"stats,omitempty"`
}

type TxnRequest struct {
	Txn *common.Transaction `msgpack:"txn"`
}

type StatsRequest struct {
	Level  uint32      `msgpack:"level"`
	Module StatsModule `msgpack:"module"`
}

// Response is a server frame; exactly one of Txn and Stats is set.
type Response struct {
	StreamID uint64 `msgpack:"stream"`

	Txn   *TxnResponse   `msgpack:"txn,omitempty"`
	Stats *StatsResponse `msgpack:"stats,omitempty"`
}

type TxnResponse struct {
	Txn *common.Transaction `msgpack:"txn"`
}

type StatsResponse struct {
	StatsJSON string `msgpack:"json"`
}

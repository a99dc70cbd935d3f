// Package client is the Go client for the transaction API. Requests are
// matched to responses by stream id; submissions return futures so that a
// caller can keep many transactions in flight on one connection.
package client

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/denisbrodbeck/machineid"
	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/api"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/encoding"
)

const maxFrameSize = 64 << 20

// Client is safe for concurrent use.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	bw      *bufio.Writer

	streamID atomic.Uint64
	pending  *xsync.MapOf[uint64, *future.Promise[*api.Response]]

	closed atomic.Bool
}

// Connect dials a server and starts the response reader.
func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		bw:      bufio.NewWriter(conn),
		pending: xsync.NewMapOf[uint64, *future.Promise[*api.Response]](),
	}
	log.Debug().Str("address", addr).Uint64("client_id", clientID()).Msg("Connected to server")
	go c.readLoop()
	return c, nil
}

// clientID derives a stable identity for this client instance, used to tell
// clients apart in server-side logs.
func clientID() uint64 {
	id, err := machineid.ProtectedID("slog-client")
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// SubmitTxnAsync sends a transaction and returns a future resolving to the
// completed txn.
func (c *Client) SubmitTxnAsync(txn *common.Transaction) *future.Future[*common.Transaction] {
	p := future.NewPromise[*common.Transaction]()
	res := c.send(&api.Request{Txn: &api.TxnRequest{Txn: txn}})
	go func() {
		r, err := res.Get()
		if err != nil {
			p.Set(nil, err)
			return
		}
		if r.Txn == nil {
			p.Set(nil, fmt.Errorf("response carries no txn"))
			return
		}
		p.Set(r.Txn.Txn, nil)
	}()
	return p.Future()
}

// SubmitTxn sends a transaction and waits for its completion.
func (c *Client) SubmitTxn(txn *common.Transaction) (*common.Transaction, error) {
	return c.SubmitTxnAsync(txn).Get()
}

// Stats fetches a JSON snapshot from the server or scheduler module.
func (c *Client) Stats(level uint32, module api.StatsModule) (string, error) {
	res, err := c.send(&api.Request{
		Stats: &api.StatsRequest{Level: level, Module: module},
	}).Get()
	if err != nil {
		return "", err
	}
	if res.Stats == nil {
		return "", fmt.Errorf("response carries no stats")
	}
	return res.Stats.StatsJSON, nil
}

func (c *Client) send(req *api.Request) *future.Future[*api.Response] {
	p := future.NewPromise[*api.Response]()
	req.StreamID = c.streamID.Add(1)
	c.pending.Store(req.StreamID, p)

	raw, err := encoding.Marshal(req)
	if err != nil {
		c.pending.Delete(req.StreamID)
		p.Set(nil, err)
		return p.Future()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := c.bw.Write(hdr[:]); err == nil {
		if _, err = c.bw.Write(raw); err == nil {
			err = c.bw.Flush()
		}
	}
	if err != nil {
		c.pending.Delete(req.StreamID)
		p.Set(nil, err)
	}
	return p.Future()
}

func (c *Client) readLoop() {
	br := bufio.NewReader(c.conn)
	for {
		frame, err := readFrame(br)
		if err != nil {
			c.failAll(err)
			return
		}
		var res api.Response
		if err := encoding.Unmarshal(frame, &res); err != nil {
			c.failAll(err)
			return
		}
		if p, ok := c.pending.LoadAndDelete(res.StreamID); ok {
			p.Set(&res, nil)
		}
	}
}

func (c *Client) failAll(err error) {
	if c.closed.Load() {
		err = fmt.Errorf("client closed")
	}
	c.pending.Range(func(id uint64, p *future.Promise[*api.Response]) bool {
		c.pending.Delete(id)
		p.Set(nil, err)
		return true
	})
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

func readFrame(br *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, io.ErrUnexpectedEOF
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

package server

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/api"
	"github.com/ctring/slog/encoding"
)

const maxClientFrameSize = 64 << 20

// clientConn wraps one client connection. Reads happen on the connection's
// own goroutine; writes are serialized by a mutex because responses for
// different txns of the same client can complete concurrently.
type clientConn struct {
	conn net.Conn

	writeMu sync.Mutex
	bw      *bufio.Writer
}

func newClientConn(conn net.Conn) *clientConn {
	return &clientConn{conn: conn, bw: bufio.NewWriter(conn)}
}

func (c *clientConn) readLoop(out chan<- clientRequest, stop <-chan struct{}) {
	defer c.conn.Close()
	br := bufio.NewReader(c.conn)
	for {
		frame, err := readClientFrame(br)
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("Client connection closed")
			}
			return
		}
		var req api.Request
		if err := encoding.Unmarshal(frame, &req); err != nil {
			log.Error().Err(err).Msg("Invalid request from client")
			return
		}
		select {
		case out <- clientRequest{req: &req, conn: c}:
		case <-stop:
			return
		}
	}
}

func (c *clientConn) write(res *api.Response) {
	raw, err := encoding.Marshal(res)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode client response")
		return
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
		log.Debug().Err(err).Msg("Failed to write client response")
	}
}

func readClientFrame(br *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxClientFrameSize {
		return nil, io.ErrUnexpectedEOF
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

package broker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/encoding"
)

const (
	dialTimeout     = 2 * time.Second
	dialRetries     = 3
	maxFrameSize    = 64 << 20
	writeBufferSize = 64 << 10
)

// TCPTransport carries envelopes over persistent point-to-point TCP
// connections. Frames are length-delimited, s2-compressed msgpack.
type TCPTransport struct {
	config *cfg.Configuration
	addr   string

	listener net.Listener

	mu    sync.Mutex
	peers map[common.MachineID]*tcpPeer

	closed  chan struct{}
	closeMu sync.Once
}

type tcpPeer struct {
	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer
}

func NewTCPTransport(config *cfg.Configuration) *TCPTransport {
	return &TCPTransport{
		config: config,
		addr:   fmt.Sprintf("0.0.0.0:%d", config.BrokerPorts[0]),
		peers:  make(map[common.MachineID]*tcpPeer),
		closed: make(chan struct{}),
	}
}

func (t *TCPTransport) Listen(handler func(*Envelope)) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.addr, err)
	}
	t.listener = ln
	log.Info().Str("address", t.addr).Msg("Broker listening")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-t.closed:
					return
				default:
				}
				log.Warn().Err(err).Msg("Broker accept")
				continue
			}
			go t.readLoop(conn, handler)
		}
	}()
	return nil
}

func (t *TCPTransport) readLoop(conn net.Conn, handler func(*Envelope)) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		frame, err := readFrame(br)
		if err != nil {
			if err != io.EOF {
				select {
				case <-t.closed:
				default:
					log.Warn().Err(err).Msg("Broker connection read")
				}
			}
			return
		}
		env, err := decodeFrame(frame)
		if err != nil {
			log.Error().Err(err).Msg("Malformed envelope")
			continue
		}
		handler(env)
	}
}

func (t *TCPTransport) Send(to common.MachineID, env *Envelope) error {
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}

	peer := t.peer(to)
	peer.mu.Lock()
	defer peer.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < dialRetries; attempt++ {
		if peer.conn == nil {
			conn, err := net.DialTimeout("tcp", t.config.Address(to), dialTimeout)
			if err != nil {
				lastErr = err
				continue
			}
			peer.conn = conn
			peer.bw = bufio.NewWriterSize(conn, writeBufferSize)
		}
		if err := writeFrame(peer.bw, frame); err != nil {
			peer.conn.Close()
			peer.conn = nil
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("send to %s: %w", to, lastErr)
}

func (t *TCPTransport) peer(m common.MachineID) *tcpPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[m]
	if !ok {
		p = &tcpPeer{}
		t.peers[m] = p
	}
	return p
}

func (t *TCPTransport) Close() error {
	t.closeMu.Do(func() {
		close(t.closed)
		if t.listener != nil {
			t.listener.Close()
		}
		t.mu.Lock()
		for _, p := range t.peers {
			p.mu.Lock()
			if p.conn != nil {
				p.conn.Close()
			}
			p.mu.Unlock()
		}
		t.mu.Unlock()
	})
	return nil
}

func encodeFrame(env *Envelope) ([]byte, error) {
	raw, err := encoding.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return s2.Encode(nil, raw), nil
}

func decodeFrame(frame []byte) (*Envelope, error) {
	raw, err := s2.Decode(nil, frame)
	if err != nil {
		return nil, fmt.Errorf("decompress envelope: %w", err)
	}
	var env Envelope
	if err := encoding.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func writeFrame(bw *bufio.Writer, frame []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := bw.Write(frame); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrame(br *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

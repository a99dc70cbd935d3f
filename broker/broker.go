// Package broker provides tag-routed message delivery between the modules of
// one machine and their peers on other machines. Each module owns a channel
// number; an envelope addressed to (machine, channel) is placed on that
// module's receive queue. Messages between two machines over one channel are
// FIFO.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

const (
	channelBufferSize  = 4096
	readyRetryInterval = 100 * time.Millisecond
)

// Transport moves serialized envelopes between machines.
type Transport interface {
	// Listen starts delivering inbound envelopes to handler. The handler is
	// called from the transport's receive goroutines.
	Listen(handler func(*Envelope)) error
	Send(to common.MachineID, env *Envelope) error
	Close() error
}

// Broker owns the channel table of one machine. The table is immutable after
// Start; modules register their channels before the broker is started.
type Broker struct {
	config *cfg.Configuration
	local  common.MachineID

	transport Transport

	mu       sync.RWMutex
	channels map[common.Channel]chan *Envelope

	readyMu   sync.Mutex
	readyFrom map[common.MachineID]struct{}
	started   chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

func New(config *cfg.Configuration, transport Transport) *Broker {
	return &Broker{
		config:    config,
		local:     config.Local,
		transport: transport,
		channels:  make(map[common.Channel]chan *Envelope),
		readyFrom: make(map[common.MachineID]struct{}),
		started:   make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func (b *Broker) Local() common.MachineID {
	return b.local
}

func (b *Broker) Config() *cfg.Configuration {
	return b.config
}

// AddChannel registers a module channel and returns its receive queue. It
// must be called before Start.
func (b *Broker) AddChannel(ch common.Channel) <-chan *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[ch]; ok {
		log.Fatal().Int32("channel", int32(ch)).Msg("Channel already registered")
	}
	queue := make(chan *Envelope, channelBufferSize)
	b.channels[ch] = queue
	return queue
}

// Start begins receiving and runs the all-to-all READY handshake. It returns
// once every peer has announced itself, after which the channel table and
// the peer set are immutable.
func (b *Broker) Start() error {
	if err := b.transport.Listen(b.dispatch); err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}

	b.handleReady(&Ready{Machine: b.local})

	go b.announceLoop()

	<-b.started
	log.Info().Stringer("machine", b.local).Msg("Broker synchronized with all peers")
	return nil
}

func (b *Broker) announceLoop() {
	ready := &Envelope{
		From:  b.local,
		Ready: &Ready{Machine: b.local},
	}
	for {
		select {
		case <-b.started:
			return
		case <-b.stop:
			return
		default:
		}
		for _, m := range b.config.AllMachines() {
			if m == b.local {
				continue
			}
			// Peers may not be listening yet; keep retrying until the
			// handshake completes.
			if err := b.transport.Send(m, ready); err != nil {
				log.Debug().Err(err).Stringer("to", m).Msg("Ready not delivered yet")
			}
		}
		time.Sleep(readyRetryInterval)
	}
}

func (b *Broker) dispatch(env *Envelope) {
	if env.Ready != nil {
		b.handleReady(env.Ready)
		return
	}

	b.mu.RLock()
	queue, ok := b.channels[env.Channel]
	b.mu.RUnlock()
	if !ok {
		log.Error().
			Int32("channel", int32(env.Channel)).
			Stringer("from", env.From).
			Msg("Message for unknown channel")
		return
	}
	queue <- env
}

func (b *Broker) handleReady(r *Ready) {
	b.readyMu.Lock()
	if _, ok := b.readyFrom[r.Machine]; ok {
		b.readyMu.Unlock()
		return
	}
	b.readyFrom[r.Machine] = struct{}{}
	if len(b.readyFrom) == len(b.config.AllMachines()) {
		select {
		case <-b.started:
		default:
			close(b.started)
		}
	}
	b.readyMu.Unlock()

	// Answer a peer's first READY so that the peer completes its handshake
	// even when this machine stops announcing before the peer got its READY.
	if r.Machine != b.local {
		reply := &Envelope{From: b.local, Ready: &Ready{Machine: b.local}}
		if err := b.transport.Send(r.Machine, reply); err != nil {
			log.Debug().Err(err).Stringer("to", r.Machine).Msg("Ready reply not delivered")
		}
	}
}

// Send delivers a request to (to, channel). Local destinations bypass the
// transport.
func (b *Broker) Send(req *Request, to common.MachineID, ch common.Channel) {
	b.send(&Envelope{From: b.local, Channel: ch, Request: req}, to)
}

// SendResponse delivers a response to (to, channel).
func (b *Broker) SendResponse(res *Response, to common.MachineID, ch common.Channel) {
	b.send(&Envelope{From: b.local, Channel: ch, Response: res}, to)
}

// SendLocal delivers a request to a module of this machine.
func (b *Broker) SendLocal(req *Request, ch common.Channel) {
	b.Send(req, b.local, ch)
}

// SendResponseLocal delivers a response to a module of this machine.
func (b *Broker) SendResponseLocal(res *Response, ch common.Channel) {
	b.SendResponse(res, b.local, ch)
}

func (b *Broker) send(env *Envelope, to common.MachineID) {
	if to == b.local {
		b.dispatch(env)
		return
	}
	if err := b.transport.Send(to, env); err != nil {
		log.Error().Err(err).Stringer("to", to).Msg("Failed to send message")
	}
}

func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		if err := b.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Transport close")
		}
	})
}

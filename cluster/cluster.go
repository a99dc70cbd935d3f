// Package cluster assembles the modules of one machine: broker and
// transport, both Paxos groups, the pipeline modules and the client-facing
// server with its admin surface. The same wiring serves production (main)
// and the in-process test harness.
package cluster

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"

	"github.com/ctring/slog/admin"
	"github.com/ctring/slog/api"
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/client"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/forwarder"
	"github.com/ctring/slog/interleaver"
	"github.com/ctring/slog/module"
	"github.com/ctring/slog/orderer"
	"github.com/ctring/slog/paxos"
	"github.com/ctring/slog/scheduler"
	"github.com/ctring/slog/sequencer"
	"github.com/ctring/slog/server"
	"github.com/ctring/slog/storage"
)

// Machine is one member of the R x P grid.
type Machine struct {
	config *cfg.Configuration
	store  storage.Storage

	broker  *broker.Broker
	runners []*module.Runner

	scheduler *scheduler.Scheduler
	server    *server.Server

	listener net.Listener
	mux      cmux.CMux

	adminClient     *client.Client
	adminClientErr  error
	adminClientOnce sync.Once

	ordererRecv <-chan *broker.Envelope
	drainStop   chan struct{}
}

// Option customizes machine construction.
type Option func(*options)

type options struct {
	transport broker.Transport
	listener  net.Listener
	store     storage.Storage
}

// WithTransport injects a broker transport (the in-process network in
// tests).
func WithTransport(t broker.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithListener injects the client-facing listener. Tests use an ephemeral
// port.
func WithListener(l net.Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithStorage injects a pre-seeded storage backend.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// NewMachine builds but does not start a machine.
func NewMachine(config *cfg.Configuration, opts ...Option) (*Machine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = buildStorage(config)
		if err != nil {
			return nil, err
		}
	}

	transport := o.transport
	if transport == nil {
		switch config.Protocol {
		case cfg.ProtocolTCP:
			transport = broker.NewTCPTransport(config)
		case cfg.ProtocolNATS:
			transport = broker.NewNATSTransport(config)
		default:
			return nil, fmt.Errorf("protocol %q needs an injected transport", config.Protocol)
		}
	}

	listener := o.listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", config.ServerPort))
		if err != nil {
			return nil, fmt.Errorf("listen on server port: %w", err)
		}
	}

	b := broker.New(config, transport)
	sender := broker.NewSender(b)

	m := &Machine{
		config:    config,
		store:     store,
		broker:    b,
		listener:  listener,
		drainStop: make(chan struct{}),
	}

	// Channels must exist before the broker starts.
	serverRecv := b.AddChannel(common.ServerChannel)
	forwarderRecv := b.AddChannel(common.ForwarderChannel)
	sequencerRecv := b.AddChannel(common.SequencerChannel)
	ordererRecv := b.AddChannel(common.MultiHomeOrdererChannel)
	interleaverRecv := b.AddChannel(common.InterleaverChannel)
	schedulerRecv := b.AddChannel(common.SchedulerChannel)
	localPaxosRecv := b.AddChannel(common.LocalPaxosChannel)
	globalPaxosRecv := b.AddChannel(common.GlobalPaxosChannel)

	forwarderTick := time.Duration(config.ForwarderBatchDurationMS) * time.Millisecond
	sequencerTick := time.Duration(config.SequencerBatchDurationMS) * time.Millisecond

	m.runners = append(m.runners,
		module.NewRunner(forwarder.New(config, sender), forwarderRecv, forwarderTick),
		module.NewRunner(sequencer.New(config, sender), sequencerRecv, sequencerTick),
		module.NewRunner(interleaver.New(config, sender), interleaverRecv, 0),
		module.NewRunner(paxos.NewLocalPaxos(config, sender), localPaxosRecv, 0),
		module.NewRunner(paxos.NewGlobalPaxos(config, sender), globalPaxosRecv, 0),
	)

	// The multi-home orderer only runs on the designated partition of each
	// region; elsewhere its channel is kept drained.
	if config.Local.Partition == config.LeaderPartitionForMultiHomeOrdering() {
		m.runners = append(m.runners,
			module.NewRunner(orderer.New(config, sender), ordererRecv, sequencerTick))
	} else {
		m.ordererRecv = ordererRecv
	}

	m.scheduler = scheduler.New(config, sender, store)
	m.runners = append(m.runners, module.NewRunner(m.scheduler, schedulerRecv, 0))

	m.server = server.New(config, sender, serverRecv, store)

	return m, nil
}

func buildStorage(config *cfg.Configuration) (storage.Storage, error) {
	switch config.Storage.Backend {
	case "pebble":
		return storage.NewPebbleStorage(config.Storage.DataDir)
	default:
		return storage.NewMemStorage(), nil
	}
}

// Start synchronizes the broker with all peers, then brings up the modules
// and the client surface.
func (m *Machine) Start() error {
	if err := m.broker.Start(); err != nil {
		return err
	}

	for _, r := range m.runners {
		r.Start()
	}
	if m.ordererRecv != nil {
		go func() {
			for {
				select {
				case <-m.drainStop:
					return
				case <-m.ordererRecv:
				}
			}
		}()
	}

	// One port serves both the client protocol and the admin HTTP routes.
	m.mux = cmux.New(m.listener)
	httpListener := m.mux.Match(cmux.HTTP1Fast())
	clientListener := m.mux.Match(cmux.Any())

	handlers := admin.NewHandlers(m.store, m.statsViaLoopback)
	httpServer := &http.Server{Handler: admin.Router(handlers)}
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && err != cmux.ErrListenerClosed {
			log.Debug().Err(err).Msg("Admin HTTP server stopped")
		}
	}()

	m.server.Start(clientListener)

	go func() {
		if err := m.mux.Serve(); err != nil {
			log.Debug().Err(err).Msg("cmux stopped")
		}
	}()

	log.Info().
		Stringer("machine", m.config.Local).
		Str("server", m.ServerAddr()).
		Msg("Machine is operational")
	return nil
}

func (m *Machine) statsViaLoopback(level uint32, mod api.StatsModule) (string, error) {
	m.adminClientOnce.Do(func() {
		m.adminClient, m.adminClientErr = client.Connect(m.ServerAddr())
	})
	if m.adminClientErr != nil {
		return "", fmt.Errorf("connect loopback client: %w", m.adminClientErr)
	}
	return m.adminClient.Stats(level, mod)
}

// ServerAddr is the address clients connect to.
func (m *Machine) ServerAddr() string {
	addr := m.listener.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, addr.Port)
}

// Storage exposes the machine's storage backend for tests and tools.
func (m *Machine) Storage() storage.Storage {
	return m.store
}

func (m *Machine) Stop() {
	if m.adminClient != nil {
		m.adminClient.Close()
	}
	m.listener.Close()
	m.server.Stop()
	close(m.drainStop)
	for _, r := range m.runners {
		r.Stop()
	}
	m.scheduler.Stop()
	m.broker.Stop()
}

package cluster

import (
	"fmt"
	"net"
	"sync"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/client"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
)

// TestCluster runs a full R x P grid inside one process over the in-process
// transport, with ephemeral client ports. It backs the end-to-end tests and
// doubles as a local playground.
type TestCluster struct {
	configs  map[common.MachineID]*cfg.Configuration
	machines map[common.MachineID]*Machine
	network  *broker.InprocNetwork
}

// BaseTestConfig returns a configuration suitable for in-process clusters:
// fast ticks, in-process transport, in-memory storage.
func BaseTestConfig(numReplicas, numPartitions uint32) *cfg.Configuration {
	config := &cfg.Configuration{}
	*config = *cfg.Config
	config.Protocol = cfg.ProtocolInproc
	config.NumPartitions = numPartitions
	config.Replicas = nil
	for r := uint32(0); r < numReplicas; r++ {
		rep := cfg.ReplicaConfiguration{}
		for p := uint32(0); p < numPartitions; p++ {
			rep.Addresses = append(rep.Addresses, fmt.Sprintf("inproc-%d-%d", r, p))
		}
		config.Replicas = append(config.Replicas, rep)
	}
	config.SequencerBatchDurationMS = 2
	config.ForwarderBatchDurationMS = 2
	config.NumWorkers = 2
	config.Partitioning = cfg.SimplePartitioning
	config.Storage.Backend = "mem"
	return config
}

// NewTestCluster builds and starts a cluster. The seed records are written
// to the owning partition of every replica before any module starts, and
// their masters fix the home regions the tests rely on. The configure hook
// may tweak the shared configuration before machines are built.
func NewTestCluster(
	numReplicas, numPartitions uint32,
	seed map[common.Key]common.Record,
	configure func(*cfg.Configuration),
) (*TestCluster, error) {
	base := BaseTestConfig(numReplicas, numPartitions)
	if configure != nil {
		configure(base)
	}

	tc := &TestCluster{
		configs:  make(map[common.MachineID]*cfg.Configuration),
		machines: make(map[common.MachineID]*Machine),
		network:  broker.NewInprocNetwork(),
	}

	partitioner := base.Partitioner()
	for _, id := range base.AllMachines() {
		config := &cfg.Configuration{}
		*config = *base
		config.Local = id
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("config for %s: %w", id, err)
		}
		tc.configs[id] = config

		store := storage.NewMemStorage()
		for key, record := range seed {
			if partitioner.PartitionOf(key) == id.Partition {
				store.Write(key, record)
			}
		}

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}

		machine, err := NewMachine(config,
			WithTransport(tc.network.Transport(id)),
			WithListener(listener),
			WithStorage(store),
		)
		if err != nil {
			return nil, err
		}
		tc.machines[id] = machine
	}

	// Brokers handshake all-to-all, so every machine has to start
	// concurrently.
	var wg sync.WaitGroup
	errs := make(chan error, len(tc.machines))
	for _, m := range tc.machines {
		wg.Add(1)
		go func(m *Machine) {
			defer wg.Done()
			if err := m.Start(); err != nil {
				errs <- err
			}
		}(m)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, err
	}

	return tc, nil
}

// Machine returns one machine of the grid.
func (tc *TestCluster) Machine(replica, partition uint32) *Machine {
	return tc.machines[common.MachineID{Replica: replica, Partition: partition}]
}

// Client connects to the server of one machine.
func (tc *TestCluster) Client(replica, partition uint32) (*client.Client, error) {
	return client.Connect(tc.Machine(replica, partition).ServerAddr())
}

func (tc *TestCluster) Stop() {
	for _, m := range tc.machines {
		m.Stop()
	}
}

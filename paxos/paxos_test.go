package paxos

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/module"
)

type commitRecord struct {
	slot  common.SlotID
	value uint32
}

type paxosTestMachine struct {
	broker  *broker.Broker
	sender  *broker.Sender
	runner  *module.Runner
	mu      sync.Mutex
	commits []commitRecord
}

func (m *paxosTestMachine) committed() []commitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]commitRecord, len(m.commits))
	copy(out, m.commits)
	return out
}

// newPaxosGroup builds a group over one region with numMachines partitions,
// every machine a member, connected through the in-process network.
func newPaxosGroup(t *testing.T, numMachines uint32) []*paxosTestMachine {
	t.Helper()
	network := broker.NewInprocNetwork()

	base := &cfg.Configuration{}
	*base = *cfg.Config
	base.Protocol = cfg.ProtocolInproc
	base.NumPartitions = numMachines
	rep := cfg.ReplicaConfiguration{}
	for p := uint32(0); p < numMachines; p++ {
		rep.Addresses = append(rep.Addresses, fmt.Sprintf("inproc-0-%d", p))
	}
	base.Replicas = []cfg.ReplicaConfiguration{rep}

	var members []common.MachineID
	for p := uint32(0); p < numMachines; p++ {
		members = append(members, common.MachineID{Replica: 0, Partition: p})
	}

	var machines []*paxosTestMachine
	for p := uint32(0); p < numMachines; p++ {
		config := &cfg.Configuration{}
		*config = *base
		config.Local = common.MachineID{Replica: 0, Partition: p}

		b := broker.New(config, network.Transport(config.Local))
		recv := b.AddChannel(common.LocalPaxosChannel)
		sender := broker.NewSender(b)

		m := &paxosTestMachine{broker: b, sender: sender}
		px := New("test-paxos", sender, common.LocalPaxosChannel, members, config.Local,
			func(slot common.SlotID, value uint32) {
				m.mu.Lock()
				m.commits = append(m.commits, commitRecord{slot: slot, value: value})
				m.mu.Unlock()
			})
		m.runner = module.NewRunner(px, recv, 0)
		machines = append(machines, m)
	}

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *paxosTestMachine) {
			defer wg.Done()
			require.NoError(t, m.broker.Start())
		}(m)
	}
	wg.Wait()

	for _, m := range machines {
		m.runner.Start()
	}
	t.Cleanup(func() {
		for _, m := range machines {
			m.runner.Stop()
			m.broker.Stop()
		}
	})
	return machines
}

func propose(m *paxosTestMachine, value uint32) {
	m.sender.SendLocal(&broker.Request{
		PaxosPropose: &broker.PaxosPropose{Value: value},
	}, common.LocalPaxosChannel)
}

// A single member with no contention commits a proposal at the next empty
// slot with exactly the proposed value.
func TestPaxosSingleMemberCommitsProposedValue(t *testing.T) {
	machines := newPaxosGroup(t, 1)

	propose(machines[0], 7)
	require.Eventually(t, func() bool {
		return len(machines[0].committed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := machines[0].committed()
	assert.Equal(t, commitRecord{slot: 0, value: 7}, got[0])

	propose(machines[0], 9)
	require.Eventually(t, func() bool {
		return len(machines[0].committed()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, commitRecord{slot: 1, value: 9}, machines[0].committed()[1])
}

// All members observe the same values in the same slots, in slot order.
func TestPaxosThreeMembersAgree(t *testing.T) {
	machines := newPaxosGroup(t, 3)

	for v := uint32(0); v < 10; v++ {
		propose(machines[0], 100+v)
	}

	require.Eventually(t, func() bool {
		for _, m := range machines {
			if len(m.committed()) < 10 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	reference := machines[0].committed()
	for i, c := range reference {
		assert.Equal(t, common.SlotID(i), c.slot)
	}
	for _, m := range machines[1:] {
		assert.Equal(t, reference, m.committed()[:10])
	}
}

// A proposal arriving at a non-elected member is forwarded to the leader and
// still commits.
func TestPaxosNonLeaderForwardsProposal(t *testing.T) {
	machines := newPaxosGroup(t, 3)

	propose(machines[2], 42)

	require.Eventually(t, func() bool {
		return len(machines[0].committed()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, commitRecord{slot: 0, value: 42}, machines[0].committed()[0])
}

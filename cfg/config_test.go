package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/common"
)

func validConfig() *Configuration {
	config := &Configuration{}
	*config = *Config
	config.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"10.0.0.1", "10.0.0.2"}},
		{Addresses: []string{"10.0.1.1", "10.0.1.2"}},
	}
	config.NumPartitions = 2
	return config
}

func TestConfigDecodesTOML(t *testing.T) {
	raw := `
protocol = "tcp"
num_partitions = 2
broker_ports = [2020]
server_port = 2021
num_workers = 5
sequencer_batch_duration = 7
partitioning = "simple"
bypass_mh_orderer = true
interleaver_remote_to_local_ratio = "3:2"
replication_order = ["1", "0"]

[[replicas]]
addresses = ["10.0.0.1", "10.0.0.2"]

[[replicas]]
addresses = ["10.0.1.1", "10.0.1.2"]

[replication_delay]
delay_pct = 10
delay_amount_ms = 5

[storage]
backend = "mem"
`
	path := filepath.Join(t.TempDir(), "slog.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	config := &Configuration{}
	*config = *Config
	_, err := toml.DecodeFile(path, config)
	require.NoError(t, err)

	assert.Equal(t, ProtocolTCP, config.Protocol)
	assert.Equal(t, uint32(2), config.NumPartitions)
	assert.Equal(t, 2, config.NumReplicas())
	assert.Equal(t, uint32(5), config.NumWorkers)
	assert.Equal(t, uint32(7), config.SequencerBatchDurationMS)
	assert.Equal(t, SimplePartitioning, config.Partitioning)
	assert.True(t, config.BypassMHOrderer)
	assert.Equal(t, uint32(10), config.ReplicationDelay.DelayPct)

	require.NoError(t, config.Validate())
}

func TestConfigValidateRejectsBadRatio(t *testing.T) {
	config := validConfig()
	config.InterleaverRemoteToLocalRatio = "nope"
	assert.Error(t, config.Validate())

	config.InterleaverRemoteToLocalRatio = "0:1"
	assert.Error(t, config.Validate())

	config.InterleaverRemoteToLocalRatio = "2:3"
	assert.NoError(t, config.Validate())

	remote, local, err := config.RemoteToLocalRatio()
	require.NoError(t, err)
	assert.Equal(t, 2, remote)
	assert.Equal(t, 3, local)
}

func TestConfigValidateChecksAddressCounts(t *testing.T) {
	config := validConfig()
	config.Replicas[1].Addresses = config.Replicas[1].Addresses[:1]
	assert.Error(t, config.Validate())
}

func TestConfigValidateChecksLocalMachine(t *testing.T) {
	config := validConfig()
	config.Local = common.MachineID{Replica: 5, Partition: 0}
	assert.Error(t, config.Validate())
}

func TestConfigValidateRejectsTPCC(t *testing.T) {
	config := validConfig()
	config.Partitioning = TPCCPartitioning
	assert.Error(t, config.Validate())

	config = validConfig()
	config.ExecutionType = ExecutionTPCC
	assert.Error(t, config.Validate())
}

func TestConfigReplicationOrder(t *testing.T) {
	config := validConfig()

	// Natural order excludes the region itself.
	order, err := config.ReplicationOrderFor(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, order)

	config.ReplicationOrder = []string{"1,0", "0,1"}
	order, err = config.ReplicationOrderFor(1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, order)

	config.ReplicationOrder = []string{"1", "7"}
	_, err = config.ReplicationOrderFor(1)
	assert.Error(t, err)
}

func TestConfigAddressLookup(t *testing.T) {
	config := validConfig()
	assert.Equal(t, "10.0.1.2", config.Address(common.MachineID{Replica: 1, Partition: 1}))
	assert.Equal(t, uint32(3), common.MachineID{Replica: 1, Partition: 1}.Num(config.NumPartitions))
	assert.Len(t, config.AllMachines(), 4)
}

package cfg

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/common"
)

// Protocol selects the broker transport.
type Protocol string

const (
	ProtocolTCP    Protocol = "tcp"    // production
	ProtocolInproc Protocol = "inproc" // tests, single-process clusters
	ProtocolNATS   Protocol = "nats"   // point-to-point over per-machine subjects
)

// Partitioning selects how keys map to partitions.
type Partitioning string

const (
	HashPartitioning   Partitioning = "hash"
	SimplePartitioning Partitioning = "simple"
	TPCCPartitioning   Partitioning = "tpcc"
)

// ExecutionType selects the command interpreter used by workers.
type ExecutionType string

const (
	ExecutionKeyValue ExecutionType = "key_value"
	ExecutionNoop     ExecutionType = "noop"
	ExecutionTPCC     ExecutionType = "tpcc"
)

// ReplicaConfiguration lists the machines of one region. The slice length
// must equal num_partitions; index i is partition i.
type ReplicaConfiguration struct {
	Addresses []string `toml:"addresses"`
}

// ReplicationDelayConfiguration parameterizes the geometric batch
// replication delay used in replication experiments.
type ReplicationDelayConfiguration struct {
	DelayPct      uint32 `toml:"delay_pct"`
	DelayAmountMS uint32 `toml:"delay_amount_ms"`
}

// CPUPinning maps a module to a CPU core. The Go runtime schedules
// goroutines itself, so pinnings are validated and reported but not applied.
type CPUPinning struct {
	Module string `toml:"module"`
	CPU    int    `toml:"cpu"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// StorageConfiguration selects the storage backend behind the key->record
// interface.
type StorageConfiguration struct {
	Backend string `toml:"backend"` // "mem" or "pebble"
	DataDir string `toml:"data_dir"`
}

// Configuration is the cluster-wide configuration, identical on every
// machine. The local machine identity comes from flags.
type Configuration struct {
	Protocol Protocol `toml:"protocol"`
	NATSUrl  string   `toml:"nats_url"`

	Replicas      []ReplicaConfiguration `toml:"replicas"`
	NumPartitions uint32                 `toml:"num_partitions"`

	BrokerPorts   []int `toml:"broker_ports"`
	ServerPort    int   `toml:"server_port"`
	ForwarderPort int   `toml:"forwarder_port"`
	SequencerPort int   `toml:"sequencer_port"`

	NumWorkers uint32 `toml:"num_workers"`

	ForwarderBatchDurationMS uint32 `toml:"forwarder_batch_duration"`
	SequencerBatchDurationMS uint32 `toml:"sequencer_batch_duration"`

	ReplicationFactor int      `toml:"replication_factor"`
	ReplicationOrder  []string `toml:"replication_order"`

	Partitioning  Partitioning  `toml:"partitioning"`
	ExecutionType ExecutionType `toml:"execution_type"`

	BypassMHOrderer      bool `toml:"bypass_mh_orderer"`
	ReturnDummyTxn       bool `toml:"return_dummy_txn"`
	SynchronizedBatching bool `toml:"synchronized_batching"`

	SampleRate uint32 `toml:"sample_rate"`

	InterleaverRemoteToLocalRatio string `toml:"interleaver_remote_to_local_ratio"`

	ReplicationDelay ReplicationDelayConfiguration `toml:"replication_delay"`
	CPUPinnings      []CPUPinning                  `toml:"cpu_pinnings"`

	Storage    StorageConfiguration    `toml:"storage"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`

	// Local machine identity, from flags rather than the shared file.
	Local common.MachineID `toml:"-"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "slog.toml", "Path to configuration file")
	ReplicaFlag    = flag.Uint("replica", 0, "Replica (region) of this machine")
	PartitionFlag  = flag.Uint("partition", 0, "Partition of this machine")
	DataDirFlag    = flag.String("data-dir", "", "Storage data directory (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Protocol: ProtocolTCP,
	NATSUrl:  "nats://127.0.0.1:4222",

	NumPartitions: 1,

	BrokerPorts: []int{2020},
	ServerPort:  2021,

	NumWorkers: 3,

	ForwarderBatchDurationMS: 1,
	SequencerBatchDurationMS: 5,

	ReplicationFactor: 1,

	Partitioning:  HashPartitioning,
	ExecutionType: ExecutionKeyValue,

	SampleRate: 10,

	InterleaverRemoteToLocalRatio: "1:1",

	Storage: StorageConfiguration{
		Backend: "mem",
		DataDir: "./slog-data",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	Config.Local = common.MachineID{
		Replica:   uint32(*ReplicaFlag),
		Partition: uint32(*PartitionFlag),
	}
	if *DataDirFlag != "" {
		Config.Storage.DataDir = *DataDirFlag
	}

	return nil
}

// Validate checks configuration for errors.
func Validate() error {
	return Config.Validate()
}

func (c *Configuration) Validate() error {
	switch c.Protocol {
	case ProtocolTCP, ProtocolInproc, ProtocolNATS:
	default:
		return fmt.Errorf("invalid protocol: %q", c.Protocol)
	}

	if len(c.Replicas) == 0 {
		return fmt.Errorf("at least one replica must be configured")
	}
	if c.NumPartitions < 1 {
		return fmt.Errorf("num_partitions must be >= 1")
	}
	for i, rep := range c.Replicas {
		if uint32(len(rep.Addresses)) != c.NumPartitions {
			return fmt.Errorf(
				"replica %d has %d addresses, want %d (one per partition)",
				i, len(rep.Addresses), c.NumPartitions)
		}
	}
	if uint64(c.NumReplicas())*uint64(c.NumPartitions) > common.MaxNumMachines {
		return fmt.Errorf("cluster exceeds %d machines", common.MaxNumMachines)
	}

	if len(c.BrokerPorts) == 0 {
		return fmt.Errorf("at least one broker port is required")
	}
	for _, p := range append([]int{c.ServerPort}, c.BrokerPorts...) {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port: %d", p)
		}
	}
	for _, p := range []int{c.ForwarderPort, c.SequencerPort} {
		if p != 0 && (p < 1 || p > 65535) {
			return fmt.Errorf("invalid port: %d", p)
		}
	}

	if c.NumWorkers < 1 {
		return fmt.Errorf("num_workers must be >= 1")
	}
	if c.SequencerBatchDurationMS < 1 || c.ForwarderBatchDurationMS < 1 {
		return fmt.Errorf("batch durations must be >= 1ms")
	}

	if c.Local.Replica >= uint32(c.NumReplicas()) ||
		c.Local.Partition >= c.NumPartitions {
		return fmt.Errorf("local machine %s is outside the configured cluster", c.Local)
	}

	if c.ReplicationFactor < 1 || c.ReplicationFactor > c.NumReplicas() {
		return fmt.Errorf(
			"replication_factor must be in [1, %d]", c.NumReplicas())
	}
	if len(c.ReplicationOrder) != 0 && len(c.ReplicationOrder) != c.NumReplicas() {
		return fmt.Errorf("replication_order needs one entry per replica")
	}
	if _, err := c.ReplicationOrderFor(c.Local.Replica); err != nil {
		return err
	}

	switch c.Partitioning {
	case HashPartitioning, SimplePartitioning:
	case TPCCPartitioning:
		return fmt.Errorf("tpcc partitioning requires the TPC-C execution module, which is not part of this build")
	default:
		return fmt.Errorf("invalid partitioning: %q", c.Partitioning)
	}

	switch c.ExecutionType {
	case ExecutionKeyValue, ExecutionNoop:
	case ExecutionTPCC:
		return fmt.Errorf("tpcc execution is not part of this build")
	default:
		return fmt.Errorf("invalid execution_type: %q", c.ExecutionType)
	}

	if c.SampleRate > 100 {
		return fmt.Errorf("sample_rate must be in [0, 100]")
	}
	if c.ReplicationDelay.DelayPct > 100 {
		return fmt.Errorf("replication_delay.delay_pct must be in [0, 100]")
	}

	if _, _, err := c.RemoteToLocalRatio(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "mem", "pebble":
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	for _, pin := range c.CPUPinnings {
		if pin.CPU < 0 {
			return fmt.Errorf("invalid cpu pinning for module %q", pin.Module)
		}
		log.Warn().
			Str("module", pin.Module).
			Int("cpu", pin.CPU).
			Msg("CPU pinning is not applied on this runtime")
	}

	return nil
}

func (c *Configuration) NumReplicas() int {
	return len(c.Replicas)
}

// Address returns the broker endpoint of a machine.
func (c *Configuration) Address(m common.MachineID) string {
	return c.Replicas[m.Replica].Addresses[m.Partition]
}

// AllMachines enumerates every machine of the cluster.
func (c *Configuration) AllMachines() []common.MachineID {
	machines := make([]common.MachineID, 0, c.NumReplicas()*int(c.NumPartitions))
	for r := 0; r < c.NumReplicas(); r++ {
		for p := uint32(0); p < c.NumPartitions; p++ {
			machines = append(machines, common.MachineID{Replica: uint32(r), Partition: p})
		}
	}
	return machines
}

// LocalMachineNum flattens the local machine id for txn and batch id
// generation.
func (c *Configuration) LocalMachineNum() uint32 {
	return c.Local.Num(c.NumPartitions)
}

// LeaderPartitionForMultiHomeOrdering is the partition that runs the
// multi-home orderer and hosts the global Paxos member in every region.
func (c *Configuration) LeaderPartitionForMultiHomeOrdering() uint32 {
	return 0
}

// Partitioner builds the configured key partitioner.
func (c *Configuration) Partitioner() common.Partitioner {
	if c.Partitioning == SimplePartitioning {
		return common.NewSimplePartitioner(c.NumPartitions)
	}
	return common.NewHashPartitioner(c.NumPartitions)
}

// KeyIsInLocalPartition reports whether the local machine owns the key.
func (c *Configuration) KeyIsInLocalPartition(key common.Key) bool {
	return c.Partitioner().PartitionOf(key) == c.Local.Partition
}

// RemoteToLocalRatio parses interleaver_remote_to_local_ratio ("R:L").
func (c *Configuration) RemoteToLocalRatio() (remote int, local int, err error) {
	parts := strings.SplitN(c.InterleaverRemoteToLocalRatio, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf(
			"invalid interleaver_remote_to_local_ratio: %q", c.InterleaverRemoteToLocalRatio)
	}
	remote, err = strconv.Atoi(parts[0])
	if err == nil {
		local, err = strconv.Atoi(parts[1])
	}
	if err != nil || remote < 1 || local < 1 {
		return 0, 0, fmt.Errorf(
			"invalid interleaver_remote_to_local_ratio: %q", c.InterleaverRemoteToLocalRatio)
	}
	return remote, local, nil
}

// ReplicationOrderFor returns the replicas the given region replicates its
// batches to first, parsed from the per-region comma-separated lists. An
// empty configuration means natural order.
func (c *Configuration) ReplicationOrderFor(replica uint32) ([]uint32, error) {
	if len(c.ReplicationOrder) == 0 {
		order := make([]uint32, 0, c.NumReplicas())
		for r := 0; r < c.NumReplicas(); r++ {
			if uint32(r) != replica {
				order = append(order, uint32(r))
			}
		}
		return order, nil
	}
	var order []uint32
	for _, tok := range strings.Split(c.ReplicationOrder[replica], ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r, err := strconv.ParseUint(tok, 10, 32)
		if err != nil || int(r) >= c.NumReplicas() {
			return nil, fmt.Errorf("invalid replication_order entry %q for replica %d", tok, replica)
		}
		order = append(order, uint32(r))
	}
	return order, nil
}

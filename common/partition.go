package common

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Partitioner decides which partition owns a key. All machines of a cluster
// must use the same partitioner; it is fixed at configuration time.
type Partitioner interface {
	PartitionOf(key Key) uint32
	NumPartitions() uint32
}

// HashPartitioner spreads keys over partitions by hash.
type HashPartitioner struct {
	numPartitions uint32
}

func NewHashPartitioner(numPartitions uint32) *HashPartitioner {
	return &HashPartitioner{numPartitions: numPartitions}
}

func (p *HashPartitioner) PartitionOf(key Key) uint32 {
	return uint32(xxhash.Sum64String(key) % uint64(p.numPartitions))
}

func (p *HashPartitioner) NumPartitions() uint32 {
	return p.numPartitions
}

// SimplePartitioner treats keys as decimal numbers and assigns partitions by
// modulo. Non-numeric keys fall back to hashing. Used by workloads that
// generate numbered keys so that tests can place keys deliberately.
type SimplePartitioner struct {
	numPartitions uint32
}

func NewSimplePartitioner(numPartitions uint32) *SimplePartitioner {
	return &SimplePartitioner{numPartitions: numPartitions}
}

func (p *SimplePartitioner) PartitionOf(key Key) uint32 {
	if n, err := strconv.ParseUint(key, 10, 64); err == nil {
		return uint32(n % uint64(p.numPartitions))
	}
	return uint32(xxhash.Sum64String(key) % uint64(p.numPartitions))
}

func (p *SimplePartitioner) NumPartitions() uint32 {
	return p.numPartitions
}

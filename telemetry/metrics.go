package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TxnLatencyBuckets covers client-visible transaction latencies
	// (batching tick + consensus + execution).
	TxnLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// BatchSizeBuckets for transactions per sequencer batch
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Pipeline metrics
var (
	// TxnTotal counts completed transactions by type and status
	TxnTotal CounterVec = noopCounterVec{}

	// TxnLatencySeconds measures latency from server admission to response
	TxnLatencySeconds Histogram = NoopStat{}

	// BatchesProducedTotal counts sealed batches by kind (single_home, multi_home)
	BatchesProducedTotal CounterVec = noopCounterVec{}

	// BatchSizeTxns measures transactions per sealed batch
	BatchSizeTxns Histogram = NoopStat{}

	// PaxosCommitsTotal counts slots committed by group (local, global)
	PaxosCommitsTotal CounterVec = noopCounterVec{}

	// LockManagerReadyTotal counts txns released as ready by lock releases
	LockManagerReadyTotal Counter = NoopStat{}

	// RemasterBlockedTxns tracks txns parked waiting for a remaster
	RemasterBlockedTxns Gauge = NoopStat{}

	// DispatchedTxnsTotal counts txns handed to workers
	DispatchedTxnsTotal Counter = NoopStat{}
)

// initMetrics instantiates metric variables once the registry exists.
func initMetrics() {
	TxnTotal = NewCounterVec("txn_total", "Completed transactions", []string{"type", "status"})
	TxnLatencySeconds = NewHistogram("txn_latency_seconds", "Client-visible transaction latency", TxnLatencyBuckets)
	BatchesProducedTotal = NewCounterVec("batches_produced_total", "Sealed batches", []string{"kind"})
	BatchSizeTxns = NewHistogram("batch_size_txns", "Transactions per sealed batch", BatchSizeBuckets)
	PaxosCommitsTotal = NewCounterVec("paxos_commits_total", "Committed Paxos slots", []string{"group"})
	LockManagerReadyTotal = NewCounter("lock_manager_ready_total", "Txns made ready by lock releases")
	RemasterBlockedTxns = NewGauge("remaster_blocked_txns", "Txns parked behind pending remasters")
	DispatchedTxnsTotal = NewCounter("dispatched_txns_total", "Txns dispatched to workers")
}

package common

// BatchLog pairs a slot order (slot -> batch id) with batch payloads that
// arrive independently, and yields batches in slot order once both pieces
// are present.
type BatchLog struct {
	slots   *AsyncLog[BatchID]
	batches map[BatchID]*Batch
	ready   []slotBatch
}

type slotBatch struct {
	slot  SlotID
	batch *Batch
}

func NewBatchLog() *BatchLog {
	return &BatchLog{
		slots:   NewAsyncLog[BatchID](),
		batches: make(map[BatchID]*Batch),
	}
}

func (l *BatchLog) AddBatch(batch *Batch) {
	l.batches[batch.ID] = batch
	l.updateReady()
}

func (l *BatchLog) AddSlot(slot SlotID, batchID BatchID) {
	l.slots.Insert(slot, batchID)
	l.updateReady()
}

func (l *BatchLog) HasNextBatch() bool {
	return len(l.ready) > 0
}

func (l *BatchLog) NextBatch() (SlotID, *Batch) {
	next := l.ready[0]
	l.ready = l.ready[1:]
	return next.slot, next.batch
}

// NumBufferedSlots counts order entries whose batch data has not arrived or
// that are blocked behind an unfilled slot.
func (l *BatchLog) NumBufferedSlots() int {
	return l.slots.NumBuffered()
}

// NumBufferedBatches counts batch payloads awaiting their order entry.
func (l *BatchLog) NumBufferedBatches() int {
	return len(l.batches)
}

func (l *BatchLog) updateReady() {
	for l.slots.HasNext() {
		batchID := l.slots.Peek()
		batch, ok := l.batches[batchID]
		if !ok {
			break
		}
		slot, _ := l.slots.Next()
		delete(l.batches, batchID)
		l.ready = append(l.ready, slotBatch{slot: slot, batch: batch})
	}
}

// LocalLog merges the per-partition queues of single-home batch ids produced
// inside a region into one sequence. The interleaving is dictated by the
// region's local Paxos log, whose slots carry partition ids.
type LocalLog struct {
	// slots decides which partition queue to take the next batch from.
	slots *AsyncLog[uint32]
	// queues holds, per partition, batch ids keyed by their position in that
	// partition's own emission order.
	queues map[uint32]*AsyncLog[BatchID]
	ready  []slotBatchID
}

type slotBatchID struct {
	slot    SlotID
	batchID BatchID
}

func NewLocalLog() *LocalLog {
	return &LocalLog{
		slots:  NewAsyncLog[uint32](),
		queues: make(map[uint32]*AsyncLog[BatchID]),
	}
}

func (l *LocalLog) AddBatchID(queueID uint32, position uint32, batchID BatchID) {
	q, ok := l.queues[queueID]
	if !ok {
		q = NewAsyncLog[BatchID]()
		l.queues[queueID] = q
	}
	q.Insert(SlotID(position), batchID)
	l.updateReady()
}

func (l *LocalLog) AddSlot(slot SlotID, queueID uint32) {
	l.slots.Insert(slot, queueID)
	l.updateReady()
}

func (l *LocalLog) HasNextBatch() bool {
	return len(l.ready) > 0
}

func (l *LocalLog) NextBatch() (SlotID, BatchID) {
	next := l.ready[0]
	l.ready = l.ready[1:]
	return next.slot, next.batchID
}

func (l *LocalLog) NumBufferedSlots() int {
	return l.slots.NumBuffered()
}

func (l *LocalLog) NumBufferedBatchesPerQueue() map[uint32]int {
	sizes := make(map[uint32]int, len(l.queues))
	for id, q := range l.queues {
		sizes[id] = q.NumBuffered()
	}
	return sizes
}

func (l *LocalLog) updateReady() {
	for l.slots.HasNext() {
		queueID := l.slots.Peek()
		q, ok := l.queues[queueID]
		if !ok || !q.HasNext() {
			break
		}
		slot, _ := l.slots.Next()
		_, batchID := q.Next()
		l.ready = append(l.ready, slotBatchID{slot: slot, batchID: batchID})
	}
}

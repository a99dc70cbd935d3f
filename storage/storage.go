// Package storage holds the key->record map behind the pipeline. Records
// carry the value and the mastering metadata the remaster manager verifies
// against.
package storage

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ctring/slog/common"
)

// Storage is shared between the workers and the remaster manager of one
// machine. Implementations must be safe for concurrent use; the scheduler
// guarantees a txn holds its locks before a worker touches a key, so
// per-key access is already serialized at the transaction level.
type Storage interface {
	Read(key common.Key) (common.Record, bool)
	Write(key common.Key, record common.Record)
	Delete(key common.Key)
	// Range visits every record until fn returns false. Used by the admin
	// surface; the iteration order is unspecified.
	Range(fn func(key common.Key, record common.Record) bool)
}

// MemStorage is the in-memory backend.
type MemStorage struct {
	records *xsync.MapOf[common.Key, common.Record]
}

func NewMemStorage() *MemStorage {
	return &MemStorage{records: xsync.NewMapOf[common.Key, common.Record]()}
}

func (s *MemStorage) Read(key common.Key) (common.Record, bool) {
	return s.records.Load(key)
}

func (s *MemStorage) Write(key common.Key, record common.Record) {
	s.records.Store(key, record)
}

func (s *MemStorage) Delete(key common.Key) {
	s.records.Delete(key)
}

func (s *MemStorage) Range(fn func(key common.Key, record common.Record) bool) {
	s.records.Range(fn)
}

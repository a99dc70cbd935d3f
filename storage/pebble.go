package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/common"
	"github.com/ctring/slog/encoding"
)

// PebbleStorage keeps records in a Pebble store so that a machine's
// partition survives restarts. Records are msgpack-encoded.
type PebbleStorage struct {
	db *pebble.DB
}

func NewPebbleStorage(dir string) (*PebbleStorage, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Read(key common.Key) (common.Record, bool) {
	raw, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if err != pebble.ErrNotFound {
			log.Error().Err(err).Str("key", key).Msg("Storage read")
		}
		return common.Record{}, false
	}
	defer closer.Close()

	var record common.Record
	if err := encoding.Unmarshal(raw, &record); err != nil {
		log.Fatal().Err(err).Str("key", key).Msg("Corrupt record")
	}
	return record, true
}

func (s *PebbleStorage) Write(key common.Key, record common.Record) {
	raw, err := encoding.Marshal(record)
	if err != nil {
		log.Fatal().Err(err).Str("key", key).Msg("Encode record")
	}
	if err := s.db.Set([]byte(key), raw, pebble.NoSync); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Storage write")
	}
}

func (s *PebbleStorage) Delete(key common.Key) {
	if err := s.db.Delete([]byte(key), pebble.NoSync); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Storage delete")
	}
}

func (s *PebbleStorage) Range(fn func(key common.Key, record common.Record) bool) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		log.Error().Err(err).Msg("Storage iterator")
		return
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var record common.Record
		if err := encoding.Unmarshal(iter.Value(), &record); err != nil {
			log.Error().Err(err).Msg("Corrupt record during scan")
			continue
		}
		if !fn(common.Key(iter.Key()), record) {
			return
		}
	}
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctring/slog/common"
)

func exerciseStorage(t *testing.T, store Storage) {
	t.Helper()

	_, found := store.Read("A")
	assert.False(t, found)

	store.Write("A", common.Record{
		Value:    "valueA",
		Metadata: common.Metadata{Master: 2, Counter: 3},
	})
	rec, found := store.Read("A")
	require.True(t, found)
	assert.Equal(t, "valueA", rec.Value)
	assert.Equal(t, common.Metadata{Master: 2, Counter: 3}, rec.Metadata)

	store.Write("B", common.Record{Value: "valueB"})
	seen := make(map[common.Key]string)
	store.Range(func(key common.Key, record common.Record) bool {
		seen[key] = record.Value
		return true
	})
	assert.Equal(t, map[common.Key]string{"A": "valueA", "B": "valueB"}, seen)

	store.Delete("A")
	_, found = store.Read("A")
	assert.False(t, found)
}

func TestMemStorage(t *testing.T) {
	exerciseStorage(t, NewMemStorage())
}

func TestPebbleStorage(t *testing.T) {
	store, err := NewPebbleStorage(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	exerciseStorage(t, store)
}

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncLogInOrder(t *testing.T) {
	l := NewAsyncLog[string]()
	l.Insert(0, "a")
	l.Insert(1, "b")

	require.True(t, l.HasNext())
	pos, item := l.Next()
	assert.Equal(t, SlotID(0), pos)
	assert.Equal(t, "a", item)

	pos, item = l.Next()
	assert.Equal(t, SlotID(1), pos)
	assert.Equal(t, "b", item)
	assert.False(t, l.HasNext())
}

func TestAsyncLogGapBlocksCursor(t *testing.T) {
	l := NewAsyncLog[string]()
	l.Insert(1, "b")
	assert.False(t, l.HasNext())
	assert.Equal(t, 1, l.NumBuffered())

	l.Insert(0, "a")
	require.True(t, l.HasNext())
	_, item := l.Next()
	assert.Equal(t, "a", item)
	require.True(t, l.HasNext())
}

func TestAsyncLogIgnoresDuplicatesAndPast(t *testing.T) {
	l := NewAsyncLog[string]()
	l.Insert(0, "a")
	l.Insert(0, "ignored")
	_, item := l.Next()
	assert.Equal(t, "a", item)

	// A position already consumed stays consumed.
	l.Insert(0, "late")
	assert.False(t, l.HasNext())
	assert.Equal(t, 0, l.NumBuffered())
}

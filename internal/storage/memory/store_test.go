package memory

import (
	"context"
	"testing"

	"cybertemp/agent/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_KVOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	// Set / Get
	err := store.Set(ctx, map[string][]byte{
		"a": []byte(`"x"`),
		"b": []byte(`1`),
	})
	require.NoError(t, err)

	values, err := store.Get(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, `"x"`, string(values["a"]))
	_, ok := values["missing"]
	assert.False(t, ok)

	// 返回值为副本
	values["a"][0] = 'z'
	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(again["a"]))

	// Remove
	require.NoError(t, store.Remove(ctx, "a", "missing"))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Health())
	require.NoError(t, store.Close())

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, store.Set(ctx, map[string][]byte{"a": nil}), storage.ErrClosed)
	assert.ErrorIs(t, store.Health(), storage.ErrClosed)
}

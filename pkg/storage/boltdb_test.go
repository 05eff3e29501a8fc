package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStorePutGetDelete(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put("k", []byte("value")))
	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	require.NoError(t, store.Delete("k"))
	_, err = store.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreForEach(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("a", []byte("1")))
	require.NoError(t, store.Put("b", []byte("2")))

	seen := map[string]string{}
	err := store.ForEach(func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestAdapterRoundTrip(t *testing.T) {
	store := newTestStore(t)
	a := NewAdapter(store)
	ctx := context.Background()

	// Missing key reads as an empty value.
	raw, err := a.ReadFromStorage(ctx, "k", false)
	require.NoError(t, err)
	assert.Empty(t, raw)

	s, err := a.ConvertToCacheFormat("k", raw)
	require.NoError(t, err)

	for _, chunk := range []string{"one:", "two:", "three"} {
		u, err := a.ConvertToInternalUpdate("k", []byte(chunk))
		require.NoError(t, err)
		s = a.ApplyUpdate(s, u)
	}

	next, w := a.SplitForWrite("k", s, nil)
	assert.Equal(t, s, next, "split keeps the full value in cache")
	require.NoError(t, a.WriteToStorage(ctx, "k", w))

	// With identity read/split mappings, the persisted value equals the
	// concatenation of updates applied to the initially-read value.
	stored, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("one:two:three"), stored)

	v, err := a.ConvertFromCacheToReturn("k", s)
	require.NoError(t, err)
	assert.Equal(t, []byte("one:two:three"), v)
}

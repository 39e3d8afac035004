package chunkstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyxcloud/cyxcloud/pkg/erasure"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("shard payload bytes")
	id := erasure.Hash(data)

	require.NoError(t, store.Put(id, data))

	got, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.True(t, store.Has(id))
	require.True(t, store.Verify(id))
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("idempotent payload")
	id := erasure.Hash(data)

	require.NoError(t, store.Put(id, data))
	require.NoError(t, store.Put(id, data))

	ids, err := store.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, int64(1), store.Stats().ChunkCount)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	var id [32]byte
	_, err = store.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesRecord(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("to be deleted")
	id := erasure.Hash(data)
	require.NoError(t, store.Put(id, data))

	removed, err := store.Delete(id)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, store.Has(id))

	removedAgain, err := store.Delete(id)
	require.NoError(t, err)
	require.False(t, removedAgain)
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	data := []byte("original payload")
	id := erasure.Hash(data)
	require.NoError(t, store.Put(id, data))

	path := store.pathFor(id)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[RecordHeaderSize] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	require.False(t, store.Verify(id))
}

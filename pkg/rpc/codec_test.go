package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	want := &StoreChunkRequest{
		Id:   ChunkId{Hash: [32]byte{1, 2, 3}},
		Data: []byte("shard payload"),
		Meta: ChunkMetadata{OriginalSize: 13, StoredSize: 13, FileID: "f1", ChunkIndex: 2},
	}

	encoded, err := codec.Marshal(want)
	require.NoError(t, err)

	got := new(StoreChunkRequest)
	require.NoError(t, codec.Unmarshal(encoded, got))

	assert.Equal(t, want.Id, got.Id)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.Meta, got.Meta)
}

func TestJSONCodecName(t *testing.T) {
	assert.Equal(t, "json", jsonCodec{}.Name())
}

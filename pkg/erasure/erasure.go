// Package erasure implements the coordination core's Content Primitives
// (spec §4.1): fixed-size chunking, systematic Reed-Solomon encode/decode,
// and 256-bit content hashing. Pure, allocation-light, no I/O.
package erasure

import (
	"bytes"
	"io"

	"github.com/klauspost/reedsolomon"
	"lukechampine.com/blake3"

	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
)

// ChunkFile reads r in chunkSize-byte plaintext chunks, zero-padding the
// final chunk to chunkSize. originalSize is the exact byte count read,
// so padding can be trimmed on read; each returned chunk is a fresh
// slice independent of subsequent reads.
func ChunkFile(r io.Reader, chunkSize int) (chunks [][]byte, originalSize int64, err error) {
	if chunkSize <= 0 {
		return nil, 0, cyxerr.New(cyxerr.KindInvalidRequest, "chunk_size must be positive")
	}
	buf := make([]byte, chunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			originalSize += int64(n)
			chunk := make([]byte, chunkSize)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
		}
		if rerr == io.EOF {
			return chunks, originalSize, nil
		}
		if rerr == io.ErrUnexpectedEOF {
			return chunks, originalSize, nil
		}
		if rerr != nil {
			return nil, 0, cyxerr.Wrap(cyxerr.KindInternalError, "reading chunk input", rerr)
		}
	}
}

// Encode splits plaintext into k data shards and computes m parity
// shards using systematic Reed-Solomon over GF(2^8). All k+m shards are
// equal length; plaintext is zero-padded internally as needed by the
// underlying library. Deterministic for a given (plaintext, k, m).
func Encode(plaintext []byte, k, m int) ([][]byte, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindInvalidRequest, "constructing reed-solomon encoder", err)
	}

	shards, err := enc.Split(plaintext)
	if err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindInternalError, "splitting plaintext into shards", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindInternalError, "computing parity shards", err)
	}
	return shards, nil
}

// Decode reconstructs the original chunk plaintext from the given shards.
// shards must be length k+m with nil entries for any shard not present
// (or known to be corrupt); at least k non-nil entries are required.
// originalSize trims the padding added by Encode/ChunkFile.
func Decode(shards [][]byte, k, m int, originalSize int) ([]byte, error) {
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < k {
		return nil, cyxerr.New(cyxerr.KindInsufficientShards, "fewer than k shards available for decode")
	}

	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindInvalidRequest, "constructing reed-solomon encoder", err)
	}

	work := make([][]byte, len(shards))
	copy(work, shards)

	ok, err := enc.Verify(work)
	if err != nil || !ok {
		if rerr := enc.Reconstruct(work); rerr != nil {
			return nil, cyxerr.Wrap(cyxerr.KindIntegrityFailure, "reconstructing shards", rerr)
		}
	}

	var out bytes.Buffer
	if err := enc.Join(&out, work, originalSize); err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindIntegrityFailure, "joining decoded shards", err)
	}
	return out.Bytes(), nil
}

// Hash computes the 256-bit content hash of bytes, used as both the
// plaintext chunk id and the on-disk shard content hash (over different
// inputs — see spec §9's resolution of the content-hash ambiguity).
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// ShardSize returns the per-shard stored size produced by Encode for a
// plaintext of length originalSize split across k data shards: the
// ceiling of originalSize/k.
func ShardSize(originalSize, k int) int {
	if k <= 0 {
		return 0
	}
	size := originalSize / k
	if originalSize%k != 0 {
		size++
	}
	return size
}

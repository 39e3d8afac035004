package chunkstore

import (
	"encoding/binary"
	"errors"
)

// RecordHeaderSize is the fixed size, in bytes, of the record prefix
// preceding every stored shard's payload (spec §4.2/§6, bit-exact).
const RecordHeaderSize = 72

var recordMagic = [4]byte{'C', 'Y', 'X', 'C'}

const recordVersion uint32 = 1

// Record flag bits.
const (
	FlagEncrypted uint32 = 1 << 0
	FlagCompressed uint32 = 1 << 1
	FlagVerified   uint32 = 1 << 2
)

// recordHeader is the in-memory representation of the 72-byte on-disk
// prefix. All integers are little-endian on disk.
type recordHeader struct {
	Flags        uint32
	OriginalSize uint64
	StoredSize   uint64
	ContentHash  [32]byte
}

var errBadMagic = errors.New("chunkstore: bad record magic")
var errBadVersion = errors.New("chunkstore: unsupported record version")
var errShortRecord = errors.New("chunkstore: record shorter than header")

// encodeHeader serializes h into the fixed 72-byte prefix format.
func encodeHeader(h recordHeader) []byte {
	buf := make([]byte, RecordHeaderSize)
	copy(buf[0:4], recordMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], recordVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flags)
	binary.LittleEndian.PutUint64(buf[12:20], h.OriginalSize)
	binary.LittleEndian.PutUint64(buf[20:28], h.StoredSize)
	copy(buf[28:60], h.ContentHash[:])
	// buf[60:72] is reserved, left zero.
	return buf
}

// decodeHeader parses the fixed 72-byte prefix of buf. buf must be at
// least RecordHeaderSize bytes.
func decodeHeader(buf []byte) (recordHeader, error) {
	if len(buf) < RecordHeaderSize {
		return recordHeader{}, errShortRecord
	}
	if string(buf[0:4]) != string(recordMagic[:]) {
		return recordHeader{}, errBadMagic
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != recordVersion {
		return recordHeader{}, errBadVersion
	}
	h := recordHeader{
		Flags:        binary.LittleEndian.Uint32(buf[8:12]),
		OriginalSize: binary.LittleEndian.Uint64(buf[12:20]),
		StoredSize:   binary.LittleEndian.Uint64(buf[20:28]),
	}
	copy(h.ContentHash[:], buf[28:60])
	return h, nil
}

// Package chunkstore implements the Local Chunk Store (spec §4.2): a
// per-node key/value store mapping a shard's 256-bit content hash to its
// bytes, wrapped in the bit-exact 72-byte record header of spec §6.
//
// The on-disk layout is a content-addressed directory adapted from a
// per-id directory pattern: each shard lives at
// <basePath>/<first 2 hex chars of id>/<id hex>.rec, keeping any single
// directory from growing unbounded the way a flat one would.
package chunkstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/erasure"
)

// DefaultBasePath is the default root directory for a node's chunk
// store, mirrored after the teacher's volume-driver default path
// convention.
const DefaultBasePath = "/var/lib/cyxcloud/chunks"

// Stats reports capacity counters for the local store.
type Stats struct {
	ChunkCount int64
	UsedBytes  int64
}

// Store is a local, content-addressed key/value store for shard bytes.
type Store interface {
	Put(id [32]byte, data []byte) error
	Get(id [32]byte) ([]byte, error)
	Delete(id [32]byte) (bool, error)
	Has(id [32]byte) bool
	Verify(id [32]byte) bool
	List() ([][32]byte, error)
	Stats() Stats
}

// ErrNotFound is returned by Get when the id has no record; Delete
// reports a missing record as (false, nil) instead.
var ErrNotFound = cyxerr.New(cyxerr.KindNoSuchKey, "chunkstore: record not found")

// LocalStore is the filesystem-backed Store implementation used by the
// Node Agent.
type LocalStore struct {
	basePath string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// NewLocalStore creates (if necessary) basePath and returns a LocalStore
// rooted there. An empty basePath uses DefaultBasePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: creating base directory: %w", err)
	}
	s := &LocalStore{
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}
	if err := s.rebuildStats(); err != nil {
		return nil, err
	}
	return s, nil
}

func idHex(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func (s *LocalStore) pathFor(id [32]byte) string {
	h := idHex(id)
	return filepath.Join(s.basePath, h[:2], h+".rec")
}

// lockFor returns the per-id mutex, serializing put/delete on the same
// id while leaving different ids independent (spec §4.2 concurrency).
func (s *LocalStore) lockFor(id [32]byte) *sync.Mutex {
	key := idHex(id)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Put stores data under id, wrapped in the fixed record header. Put is
// idempotent: if a verifying record with this id already exists, it
// succeeds without rewriting.
func (s *LocalStore) Put(id [32]byte, data []byte) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if s.verifyLocked(id) {
		return nil
	}

	path := s.pathFor(id)
	var prevSize int64 = -1
	if fi, err := os.Stat(path); err == nil {
		prevSize = fi.Size() - int64(RecordHeaderSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("chunkstore: creating shard directory: %w", err)
	}

	header := recordHeader{
		Flags:        FlagVerified,
		OriginalSize: uint64(len(data)),
		StoredSize:   uint64(len(data)),
		ContentHash:  id,
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("chunkstore: opening temp record: %w", err)
	}
	if _, err := f.Write(encodeHeader(header)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: writing record header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: writing record payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: closing temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: finalizing record: %w", err)
	}

	s.statsMu.Lock()
	if prevSize < 0 {
		s.stats.ChunkCount++
		s.stats.UsedBytes += int64(len(data))
	} else {
		s.stats.UsedBytes += int64(len(data)) - prevSize
	}
	s.statsMu.Unlock()

	return nil
}

// Get returns the payload bytes stored under id. The header is verified
// on read.
func (s *LocalStore) Get(id [32]byte) ([]byte, error) {
	path := s.pathFor(id)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: reading record: %w", err)
	}

	header, err := decodeHeader(raw)
	if err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindIntegrityFailure, "decoding record header", err)
	}
	payload := raw[RecordHeaderSize:]
	if uint64(len(payload)) != header.StoredSize {
		return nil, cyxerr.New(cyxerr.KindIntegrityFailure, "stored size mismatch")
	}
	return payload, nil
}

// Delete removes the record for id, if present.
func (s *LocalStore) Delete(id [32]byte) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(id)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("chunkstore: reading record for delete: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("chunkstore: removing record: %w", err)
	}

	s.statsMu.Lock()
	s.stats.ChunkCount--
	s.stats.UsedBytes -= int64(len(raw) - RecordHeaderSize)
	s.statsMu.Unlock()

	return true, nil
}

// Has reports whether a record exists for id, without validating it.
func (s *LocalStore) Has(id [32]byte) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// verifyLocked recomputes the hash over the stored payload and compares
// it with the header and with id. Caller must hold the per-id lock.
func (s *LocalStore) verifyLocked(id [32]byte) bool {
	raw, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return false
	}
	header, err := decodeHeader(raw)
	if err != nil {
		return false
	}
	if header.ContentHash != id {
		return false
	}
	payload := raw[RecordHeaderSize:]
	return erasure.Hash(payload) == id
}

// Verify recomputes the hash over the stored payload and compares it
// with the header and with id (spec §4.2's integrity check).
func (s *LocalStore) Verify(id [32]byte) bool {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.verifyLocked(id)
}

// List returns every id currently stored.
func (s *LocalStore) List() ([][32]byte, error) {
	var ids [][32]byte
	err := filepath.WalkDir(s.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".rec" {
			return nil
		}
		name := filepath.Base(path)
		hexID := name[:len(name)-len(".rec")]
		raw, decodeErr := hex.DecodeString(hexID)
		if decodeErr != nil || len(raw) != 32 {
			return nil
		}
		var id [32]byte
		copy(id[:], raw)
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunkstore: listing records: %w", err)
	}
	return ids, nil
}

// Stats returns the current capacity counters.
func (s *LocalStore) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *LocalStore) rebuildStats() error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	var used int64
	for _, id := range ids {
		raw, err := os.ReadFile(s.pathFor(id))
		if err != nil {
			continue
		}
		used += int64(len(raw) - RecordHeaderSize)
	}
	s.stats = Stats{ChunkCount: int64(len(ids)), UsedBytes: used}
	return nil
}


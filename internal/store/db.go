// Package store persists ledger slots and token lifetimes in a go-ethereum
// key-value database (LevelDB on disk, or an in-memory database).
package store

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/ttl"
)

const (
	// DefaultCacheMB is the LevelDB block cache size and the decoded-slot cache size in MB.
	DefaultCacheMB = 16

	// DefaultHandles is the maximum number of open file handles for LevelDB.
	DefaultHandles = 64
)

var (
	slotPrefix = []byte("slot:")
	ttlPrefix  = []byte("ttl:")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
)

// storedChunk is the RLP form of ledger.Chunk.
type storedChunk struct {
	Amount    *uint256.Int
	ExpiresAt uint64
}

// DB implements ledger.SlotStore and ttl.ConfigStore.
type DB struct {
	db     ethdb.Database
	cache  *fastcache.Cache
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

var (
	_ ledger.SlotStore = (*DB)(nil)
	_ ttl.ConfigStore  = (*DB)(nil)
)

// Open opens a LevelDB-backed store at path, or an in-memory store when path is empty.
func Open(path string, cacheMB int, logger *zap.Logger) (*DB, error) {
	if cacheMB <= 0 {
		cacheMB = DefaultCacheMB
	}

	var db ethdb.Database
	if path == "" {
		db = rawdb.NewMemoryDatabase()
		logger.Info("Store: using in-memory database (no path specified)")
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", path, err)
		}
		ldb, err := leveldb.New(path, cacheMB, DefaultHandles, "tokengate/store", false)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
		}
		db = rawdb.NewDatabase(ldb)
		logger.Info("Store: opened persistent database", zap.String("path", path))
	}

	return &DB{
		db:     db,
		cache:  fastcache.New(cacheMB * 1024 * 1024),
		logger: logger,
	}, nil
}

// SlotDBKey derives the database key of a slot the way a contract derives a
// mapping slot: keccak256(account || id).
func SlotDBKey(key ledger.SlotKey) []byte {
	id := key.ID.Bytes32()
	hash := crypto.Keccak256(key.Account.Bytes(), id[:])
	return append(common.CopyBytes(slotPrefix), hash...)
}

func ttlDBKey(id *uint256.Int) []byte {
	b := id.Bytes32()
	return append(common.CopyBytes(ttlPrefix), b[:]...)
}

// LoadSlot returns the stored chunks of a slot, or nil when it was never written.
func (s *DB) LoadSlot(key ledger.SlotKey) ([]ledger.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	dbKey := SlotDBKey(key)
	data, ok := s.cache.HasGet(nil, dbKey)
	if !ok {
		has, err := s.db.Has(dbKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check slot %s: %w", key, err)
		}
		if !has {
			return nil, nil
		}
		if data, err = s.db.Get(dbKey); err != nil {
			return nil, fmt.Errorf("failed to read slot %s: %w", key, err)
		}
		s.cache.Set(dbKey, data)
	}
	return decodeChunks(data)
}

// WriteSlots writes every slot in one database batch.
func (s *DB) WriteSlots(writes []ledger.SlotWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	batch := s.db.NewBatch()
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		data, err := encodeChunks(w.Chunks)
		if err != nil {
			return fmt.Errorf("failed to encode slot %s: %w", w.Key, err)
		}
		encoded[i] = data
		if err := batch.Put(SlotDBKey(w.Key), data); err != nil {
			return fmt.Errorf("failed to stage slot %s: %w", w.Key, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to write batch of %d slots: %w", len(writes), err)
	}
	for i, w := range writes {
		s.cache.Set(SlotDBKey(w.Key), encoded[i])
	}
	return nil
}

// LoadTTL reads a token type's lifetime.
func (s *DB) LoadTTL(id *uint256.Int) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, false, ErrClosed
	}

	key := ttlDBKey(id)
	has, err := s.db.Has(key)
	if err != nil {
		return 0, false, err
	}
	if !has {
		return 0, false, nil
	}
	data, err := s.db.Get(key)
	if err != nil {
		return 0, false, err
	}
	var ttl uint64
	if err := rlp.DecodeBytes(data, &ttl); err != nil {
		return 0, false, fmt.Errorf("corrupt ttl record for token %s: %w", id.Dec(), err)
	}
	return ttl, true, nil
}

// StoreTTL writes a token type's lifetime. Write-once semantics live in ttl.Registry.
func (s *DB) StoreTTL(id *uint256.Int, ttl uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	data, err := rlp.EncodeToBytes(ttl)
	if err != nil {
		return err
	}
	return s.db.Put(ttlDBKey(id), data)
}

// Close gracefully closes the underlying database.
func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cache.Reset()
	s.logger.Info("Store: closed")
	return s.db.Close()
}

func encodeChunks(chunks []ledger.Chunk) ([]byte, error) {
	out := make([]storedChunk, len(chunks))
	for i := range chunks {
		out[i] = storedChunk{
			Amount:    new(uint256.Int).Set(&chunks[i].Amount),
			ExpiresAt: chunks[i].ExpiresAt,
		}
	}
	return rlp.EncodeToBytes(out)
}

func decodeChunks(data []byte) ([]ledger.Chunk, error) {
	var stored []storedChunk
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("corrupt slot record: %w", err)
	}
	if len(stored) == 0 {
		return nil, nil
	}
	chunks := make([]ledger.Chunk, len(stored))
	for i, c := range stored {
		if c.Amount != nil {
			chunks[i].Amount = *c.Amount
		}
		chunks[i].ExpiresAt = c.ExpiresAt
	}
	return chunks, nil
}

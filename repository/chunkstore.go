package repository

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"vault-node/crypto"
	"vault-node/db"
)

const chunkPrefix = "chunk:"

var (
	ErrChunkNotFound = errors.New("chunk not found")
	ErrHashMismatch  = errors.New("chunk name does not match content hash")
)

// ChunkStore is the content addressed blob store behind a vault.
type ChunkStore interface {
	Has(name string) bool
	Get(name string) ([]byte, error)
	Put(name string, data []byte) error
	Delete(name string) error
	Size(name string) uint64
	Used() (uint64, error)
}

// LevelChunkStore keeps chunk bytes in LevelDB with a small read cache in
// front.
type LevelChunkStore struct {
	db    *db.LevelDB
	cache *lru.Cache[string, []byte]
}

// NewChunkStore creates a chunk store caching up to cacheSize chunks
func NewChunkStore(db *db.LevelDB, cacheSize int) (*LevelChunkStore, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	c, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &LevelChunkStore{db: db, cache: c}, nil
}

func chunkKey(name string) []byte {
	return []byte(chunkPrefix + name)
}

func (s *LevelChunkStore) Has(name string) bool {
	if s.cache.Contains(name) {
		return true
	}
	ok, err := s.db.Has(chunkKey(name))
	return err == nil && ok
}

func (s *LevelChunkStore) Get(name string) ([]byte, error) {
	if data, ok := s.cache.Get(name); ok {
		return data, nil
	}
	data, err := s.db.Get(chunkKey(name))
	if db.IsNotFound(err) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, err
	}
	s.cache.Add(name, data)
	return data, nil
}

// Put stores data under name after checking name is its hash
func (s *LevelChunkStore) Put(name string, data []byte) error {
	if crypto.HashHex(data) != name {
		return ErrHashMismatch
	}
	if err := s.db.Put(chunkKey(name), data); err != nil {
		return err
	}
	s.cache.Add(name, data)
	return nil
}

func (s *LevelChunkStore) Delete(name string) error {
	s.cache.Remove(name)
	return s.db.Delete(chunkKey(name))
}

// Size is the stored length of a chunk, zero when absent
func (s *LevelChunkStore) Size(name string) uint64 {
	data, err := s.Get(name)
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

// Used totals the bytes of every stored chunk
func (s *LevelChunkStore) Used() (uint64, error) {
	iter := s.db.NewIterator([]byte(chunkPrefix))
	defer iter.Release()

	var total uint64
	for iter.Next() {
		total += uint64(len(iter.Value()))
	}
	return total, iter.Error()
}

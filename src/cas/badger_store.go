package cas

import (
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/klauspost/compress/zstd"

	cm "github.com/agentworld/agentworld/src/common"
)

const blobPrefix = "blob"

// BadgerStore persists blobs in a Badger database, zstd-compressed on disk.
// A small LRU keeps hot blobs decoded in memory.
type BadgerStore struct {
	db    *badger.DB
	path  string
	cache *cm.LRU

	encMu sync.Mutex
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewBadgerStore opens (or creates) a blob database at path.
func NewBadgerStore(path string, cacheSize int) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BadgerStore{
		db:    db,
		path:  path,
		cache: cm.NewLRU(cacheSize, nil),
		enc:   enc,
		dec:   dec,
	}, nil
}

func blobKey(contentHash string) []byte {
	return []byte(blobPrefix + "_" + contentHash)
}

func (s *BadgerStore) compress(blob []byte) []byte {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.enc.EncodeAll(blob, nil)
}

func (s *BadgerStore) decompress(compressed []byte) ([]byte, error) {
	return s.dec.DecodeAll(compressed, nil)
}

func (s *BadgerStore) Put(blob []byte) (string, error) {
	hash := ContentHash(blob)

	if s.Has(hash) {
		return hash, nil
	}

	compressed := s.compress(blob)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(hash), compressed)
	})
	if err != nil {
		return "", err
	}

	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.cache.Add(hash, stored)

	return hash, nil
}

func (s *BadgerStore) Get(contentHash string) ([]byte, error) {
	if cached, ok := s.cache.Get(contentHash); ok {
		blob := cached.([]byte)
		out := make([]byte, len(blob))
		copy(out, blob)
		return out, nil
	}

	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(contentHash))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, cm.NewStoreErr("Blob", cm.KeyNotFound, contentHash)
	}
	if err != nil {
		return nil, err
	}

	blob, err := s.decompress(compressed)
	if err != nil {
		return nil, err
	}

	s.cache.Add(contentHash, blob)

	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *BadgerStore) GetRange(contentHash string, offset, length uint64) ([]byte, error) {
	blob, err := s.Get(contentHash)
	if err != nil {
		return nil, err
	}
	return sliceRange(blob, contentHash, offset, length)
}

func (s *BadgerStore) Has(contentHash string) bool {
	if _, ok := s.cache.Peek(contentHash); ok {
		return true
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(contentHash))
		return err
	})
	return err == nil
}

func (s *BadgerStore) Len() int {
	count := 0
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(blobPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func (s *BadgerStore) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

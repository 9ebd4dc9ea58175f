package cas

import (
	"sync"

	cm "github.com/agentworld/agentworld/src/common"
)

// InmemStore keeps blobs in a map. It backs tests and observer nodes that do
// not persist artifacts.
type InmemStore struct {
	sync.RWMutex
	blobs map[string][]byte
}

// NewInmemStore creates an empty in-memory blob store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		blobs: map[string][]byte{},
	}
}

func (s *InmemStore) Put(blob []byte) (string, error) {
	hash := ContentHash(blob)

	s.Lock()
	defer s.Unlock()

	if _, ok := s.blobs[hash]; !ok {
		stored := make([]byte, len(blob))
		copy(stored, blob)
		s.blobs[hash] = stored
	}
	return hash, nil
}

func (s *InmemStore) Get(contentHash string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	blob, ok := s.blobs[contentHash]
	if !ok {
		return nil, cm.NewStoreErr("Blob", cm.KeyNotFound, contentHash)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *InmemStore) GetRange(contentHash string, offset, length uint64) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	blob, ok := s.blobs[contentHash]
	if !ok {
		return nil, cm.NewStoreErr("Blob", cm.KeyNotFound, contentHash)
	}
	return sliceRange(blob, contentHash, offset, length)
}

func (s *InmemStore) Has(contentHash string) bool {
	s.RLock()
	defer s.RUnlock()

	_, ok := s.blobs[contentHash]
	return ok
}

func (s *InmemStore) Len() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.blobs)
}

func (s *InmemStore) Close() error {
	return nil
}

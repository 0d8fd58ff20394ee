package cache

import "sync"

// MemoryStore keeps fragments in a map. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	fragments map[uint64][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fragments: make(map[uint64][]byte)}
}

func (m *MemoryStore) Put(seq uint64, data []byte) error {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments[seq] = cp
	return nil
}

func (m *MemoryStore) Get(seq uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.fragments[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments = make(map[uint64][]byte)
	return nil
}

func (m *MemoryStore) Close() error {
	return m.Clear()
}

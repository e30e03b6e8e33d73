package session

import "sync"

// MemoryPersister is a Persister backed by a map. It is used in tests and
// when no database is configured.
type MemoryPersister struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string][]byte)}
}

// Load returns a copy of the value stored under key, or nil.
func (m *MemoryPersister) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Save stores a copy of data under key.
func (m *MemoryPersister) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	m.saves++
	return nil
}

// SaveCount returns the number of Save calls so far.
func (m *MemoryPersister) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

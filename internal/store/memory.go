package store

import "sync"

// MemoryStore is an in-process Store used by tests and by the `state`
// command when no database exists yet.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string

	// Writes counts Set and SetMany calls.
	Writes int

	// SetError, if set, is returned by Set and SetMany.
	SetError error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value for key or ErrNotFound.
func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set writes key.
func (m *MemoryStore) Set(key, value string) error {
	return m.SetMany(map[string]string{key: value})
}

// SetMany writes all keys.
func (m *MemoryStore) SetMany(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetError != nil {
		return m.SetError
	}
	m.Writes++
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

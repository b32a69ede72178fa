package panflux

import "sync"

// Storage keys for PKCE state that must survive a login redirect.
const (
	StorageKeyCodeVerifier = "panflux.code_verifier"
	StorageKeyCSRFState    = "panflux.csrf_state"
)

// Storage is a durable key-value store scoped to one origin. It is shared
// by every Client in the same context.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStorage is an in-process Storage. It is safe for concurrent use.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]

	return v, ok, nil
}

func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()

	return nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

// processStorage is the default Storage for Clients created without
// WithStorage, so that clients in one process share login state.
var processStorage = NewMemoryStorage()

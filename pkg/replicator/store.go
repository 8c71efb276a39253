package replicator

import (
	"sync"

	"github.com/bft-labs/replicator/pkg/plugin"
)

// PropertyStore supplies the properties handed to the plugin.
type PropertyStore interface {
	// Load returns the static properties overridden by dynamic ones.
	Load() (plugin.Properties, error)

	// SetDynamic persists a dynamic override.
	SetDynamic(key, value string) error

	// ClearDynamic removes every dynamic override.
	ClearDynamic() error
}

// FileBacked is implemented by stores reading from files.
type FileBacked interface {
	Paths() []string
}

// MemoryStore is a PropertyStore kept in memory.
type MemoryStore struct {
	mu      sync.Mutex
	static  plugin.Properties
	dynamic plugin.Properties
}

// NewMemoryStore creates a store with the given static properties.
func NewMemoryStore(static plugin.Properties) *MemoryStore {
	return &MemoryStore{
		static:  static.Clone(),
		dynamic: make(plugin.Properties),
	}
}

// Load implements PropertyStore.
func (s *MemoryStore) Load() (plugin.Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.static.Clone()
	for k, v := range s.dynamic {
		out[k] = v
	}
	return out, nil
}

// SetDynamic implements PropertyStore.
func (s *MemoryStore) SetDynamic(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic[key] = value
	return nil
}

// ClearDynamic implements PropertyStore.
func (s *MemoryStore) ClearDynamic() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic = make(plugin.Properties)
	return nil
}

// Set replaces a static property.
func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static[key] = value
}

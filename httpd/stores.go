package httpd

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
)

// Stores is the registry of stores exposed over HTTP, keyed by name.
// All methods are safe for concurrent use.
type Stores struct {
	mu     sync.RWMutex
	stores map[string]docstore.Store
}

// NewStores creates an empty registry.
func NewStores() *Stores {
	return &Stores{stores: make(map[string]docstore.Store)}
}

// Add registers a store under its own name, replacing any previous store
// with that name.
func (s *Stores) Add(store docstore.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[store.Name()] = store
}

// Get resolves a store by name.
func (s *Stores) Get(name string) (docstore.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[name]
	return store, ok
}

// Names returns the registered store names in sorted order.
func (s *Stores) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered store and empties the registry. The
// first close error is returned; the rest are logged.
func (s *Stores) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for name, store := range s.stores {
		if err := store.Close(); err != nil {
			if first == nil {
				first = err
			} else {
				log.Warn().Err(err).Str("store", name).Msg("Failed to close store")
			}
		}
	}
	s.stores = make(map[string]docstore.Store)
	return first
}

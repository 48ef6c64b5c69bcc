package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements KeyValue in process memory. It backs tests and
// ephemeral sessions that never touch disk.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

// Get returns the stored value for key, or ErrNotFound.
func (store *MemoryStore) Get(key string) (string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	value, ok := store.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set upserts the value under key.
func (store *MemoryStore) Set(key, value string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.entries[key] = value
	return nil
}

// Remove deletes the key; absent keys are a no-op.
func (store *MemoryStore) Remove(key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.entries, key)
	return nil
}

// Clear deletes every key beginning with prefix.
func (store *MemoryStore) Clear(prefix string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for key := range store.entries {
		if strings.HasPrefix(key, prefix) {
			delete(store.entries, key)
		}
	}
	return nil
}

// KeysByPrefix returns all stored keys beginning with prefix.
func (store *MemoryStore) KeysByPrefix(prefix string) ([]string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	keys := make([]string, 0)
	for key := range store.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

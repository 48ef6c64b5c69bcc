package storage

import "errors"

// ErrNotFound indicates that no value is stored under the requested key.
var ErrNotFound = errors.New("storage: key not found")

// KeyValue is the persisted string-keyed storage surface consumed by the sync
// core. Queues, caches, and ledgers each own a disjoint key prefix.
type KeyValue interface {
	// Get returns the stored value for key, or ErrNotFound.
	Get(key string) (string, error)
	// Set upserts the value under key.
	Set(key, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(key string) error
	// Clear deletes every key that begins with prefix.
	Clear(prefix string) error
	// KeysByPrefix returns all stored keys that begin with prefix.
	KeysByPrefix(prefix string) ([]string, error)
}

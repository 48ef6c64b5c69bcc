package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/storage"
	"go.uber.org/zap"
)

const (
	keyPrefix         = "cache:document:"
	defaultTTL        = time.Hour
	defaultMaxEntries = 512
	// PriorityDefault is assigned to documents cached in passing.
	PriorityDefault = 0
	// PriorityPinned marks documents that should survive eviction pressure.
	PriorityPinned = 100
)

// CachedDocument is the remote-fallback read record for one document.
type CachedDocument struct {
	DocumentID  string          `json:"document_id"`
	Title       string          `json:"title"`
	SpaceID     string          `json:"space_id"`
	ParentID    string          `json:"parent_id,omitempty"`
	ContentJSON json.RawMessage `json:"content_json,omitempty"`
	StateVector []byte          `json:"state_vector,omitempty"`
	Version     int64           `json:"version"`
	ModifiedAt  time.Time       `json:"modified_at"`
	CachedAt    time.Time       `json:"cached_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	IsDirty     bool            `json:"is_dirty"`
	Priority    int             `json:"priority"`
}

// IsExpired reports whether the record's TTL has elapsed.
func (document CachedDocument) IsExpired(now time.Time) bool {
	return !document.ExpiresAt.After(now)
}

// IsValid reports whether the record can serve as a read fallback.
func (document CachedDocument) IsValid(now time.Time) bool {
	return !document.IsExpired(now) && len(document.ContentJSON) > 0
}

// StoreConfig bundles the cache dependencies.
type StoreConfig struct {
	Storage    storage.KeyValue
	TTL        time.Duration
	MaxEntries int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the bounded, TTL-governed read cache consulted when the remote
// document API is unreachable.
type Store struct {
	mu         sync.Mutex
	storage    storage.KeyValue
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore constructs the cache with validated configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("cache: storage is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		storage:    cfg.Storage,
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Put stamps and stores the record, then enforces the entry budget.
func (store *Store) Put(document CachedDocument) error {
	if document.DocumentID == "" {
		return fmt.Errorf("cache: document id is required")
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.clock().UTC()
	document.CachedAt = now
	document.ExpiresAt = now.Add(store.ttl)

	encoded, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", document.DocumentID, err)
	}
	if err := store.storage.Set(keyPrefix+document.DocumentID, string(encoded)); err != nil {
		return err
	}
	return store.evictLocked(now)
}

// Get returns the cached record when it is still valid.
func (store *Store) Get(documentID string) (CachedDocument, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	document, ok, err := store.readLocked(documentID)
	if err != nil || !ok {
		return CachedDocument{}, false, err
	}
	if !document.IsValid(store.clock().UTC()) {
		return CachedDocument{}, false, nil
	}
	return document, true, nil
}

// GetStale returns the cached record even when expired, as long as it has
// content. Offline fallback prefers stale data over no data.
func (store *Store) GetStale(documentID string) (CachedDocument, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	document, ok, err := store.readLocked(documentID)
	if err != nil || !ok {
		return CachedDocument{}, false, err
	}
	if len(document.ContentJSON) == 0 {
		return CachedDocument{}, false, nil
	}
	return document, true, nil
}

// Remove deletes the cached record; absent ids are a no-op.
func (store *Store) Remove(documentID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Remove(keyPrefix + documentID)
}

// Rename rewrites a cached record under a new document id.
func (store *Store) Rename(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	document, ok, err := store.readLocked(oldID)
	if err != nil || !ok {
		return err
	}
	// A record already stored under the new id was reconciled from the
	// server and is fresher than the one being renamed; keep it.
	if _, exists, err := store.readLocked(newID); err != nil {
		return err
	} else if exists {
		return store.storage.Remove(keyPrefix + oldID)
	}
	document.DocumentID = newID
	encoded, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", newID, err)
	}
	if err := store.storage.Set(keyPrefix+newID, string(encoded)); err != nil {
		return err
	}
	return store.storage.Remove(keyPrefix + oldID)
}

// Clear drops the whole cache.
func (store *Store) Clear() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Clear(keyPrefix)
}

// All returns every cached record that still has content, expired included.
func (store *Store) All() ([]CachedDocument, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	keys, err := store.storage.KeysByPrefix(keyPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]CachedDocument, 0, len(keys))
	for _, key := range keys {
		record, ok, readErr := store.readLocked(key[len(keyPrefix):])
		if readErr != nil {
			return nil, readErr
		}
		if ok && len(record.ContentJSON) > 0 {
			records = append(records, record)
		}
	}
	return records, nil
}

// Size returns the number of cached records, valid or not.
func (store *Store) Size() (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	keys, err := store.storage.KeysByPrefix(keyPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (store *Store) readLocked(documentID string) (CachedDocument, bool, error) {
	raw, err := store.storage.Get(keyPrefix + documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return CachedDocument{}, false, nil
	}
	if err != nil {
		return CachedDocument{}, false, err
	}
	var document CachedDocument
	if err := json.Unmarshal([]byte(raw), &document); err != nil {
		return CachedDocument{}, false, fmt.Errorf("cache: corrupt record %q: %w", documentID, err)
	}
	return document, true, nil
}

// evictLocked enforces the entry budget: expired records go first, then the
// lowest priority, then the oldest cachedAt.
func (store *Store) evictLocked(now time.Time) error {
	keys, err := store.storage.KeysByPrefix(keyPrefix)
	if err != nil {
		return err
	}
	if len(keys) <= store.maxEntries {
		return nil
	}

	records := make([]CachedDocument, 0, len(keys))
	for _, key := range keys {
		documentID := key[len(keyPrefix):]
		record, ok, err := store.readLocked(documentID)
		if err != nil {
			return err
		}
		if ok {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(left, right int) bool {
		leftExpired := records[left].IsExpired(now)
		rightExpired := records[right].IsExpired(now)
		if leftExpired != rightExpired {
			return leftExpired
		}
		if records[left].Priority != records[right].Priority {
			return records[left].Priority < records[right].Priority
		}
		return records[left].CachedAt.Before(records[right].CachedAt)
	})

	excess := len(records) - store.maxEntries
	for index := 0; index < excess; index++ {
		evicted := records[index]
		if err := store.storage.Remove(keyPrefix + evicted.DocumentID); err != nil {
			return err
		}
		store.logger.Debug("cache record evicted",
			zap.String("document_id", evicted.DocumentID),
			zap.Int("priority", evicted.Priority))
	}
	return nil
}

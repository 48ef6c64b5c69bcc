package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/storage"
	"go.uber.org/zap"
)

const (
	// PendingPrefix namespaces pending queue keys in the persisted store.
	PendingPrefix = "queue:pending:"
	// FailedPrefix namespaces failed queue keys in the persisted store.
	FailedPrefix = "queue:failed:"
	// SkippedPrefix namespaces skipped queue keys in the persisted store.
	SkippedPrefix = "queue:skipped:"
)

// Operation enumerates queued sync intents.
type Operation string

const (
	// OperationCreate queues a first-time remote create.
	OperationCreate Operation = "create"
	// OperationUpdate queues a remote content update.
	OperationUpdate Operation = "update"
	// OperationDelete queues a remote deletion.
	OperationDelete Operation = "delete"
)

var (
	// ErrInvalidEntity indicates an empty entity type or id.
	ErrInvalidEntity = errors.New("queue: invalid entity key")
	// ErrInvalidOperation indicates an unknown queued operation.
	ErrInvalidOperation = errors.New("queue: invalid operation")
)

// PendingEntry is a sync intent awaiting its first (or next) attempt.
type PendingEntry struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// FailedEntry is a sync intent that failed retryably.
type FailedEntry struct {
	PendingEntry
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// SkippedEntry is a sync intent excluded from automatic retry.
type SkippedEntry struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Reason     string    `json:"reason"`
	SkippedAt  time.Time `json:"skipped_at"`
}

// StoreConfig bundles the queue store dependencies.
type StoreConfig struct {
	Storage storage.KeyValue
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store persists the pending, failed, and skipped queues across restarts.
// It is the sole owner of its key namespace; all cross-queue transitions go
// through the Move helpers so an entity is never in two queues at once.
type Store struct {
	mu      sync.Mutex
	storage storage.KeyValue
	clock   func() time.Time
	logger  *zap.Logger
}

// NewStore constructs the queue store with validated configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("queue: storage is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{storage: cfg.Storage, clock: clock, logger: logger}, nil
}

func entityKey(prefix, entityType, entityID string) string {
	return prefix + entityType + ":" + entityID
}

func validateEntity(entityType, entityID string) error {
	if entityType == "" || entityID == "" {
		return ErrInvalidEntity
	}
	return nil
}

func validateOperation(operation Operation) error {
	switch operation {
	case OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, operation)
	}
}

// Add upserts a pending entry; an existing entry for the same entity is
// replaced (last-write-wins for the queued intent). A fresh intent supersedes
// any earlier failure bookkeeping for the entity: failed and skipped entries
// are cleared, so a previously skipped entity becomes eligible again with a
// reset attempt count.
func (store *Store) Add(entityType, entityID string, operation Operation, payload json.RawMessage) error {
	if err := validateEntity(entityType, entityID); err != nil {
		return err
	}
	if err := validateOperation(operation); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.writePending(PendingEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Payload:    payload,
		EnqueuedAt: store.clock().UTC(),
	}); err != nil {
		return err
	}
	if err := store.storage.Remove(entityKey(FailedPrefix, entityType, entityID)); err != nil {
		return err
	}
	return store.storage.Remove(entityKey(SkippedPrefix, entityType, entityID))
}

// PendingItems returns a snapshot of the pending queue.
func (store *Store) PendingItems() ([]PendingEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return readEntries[PendingEntry](store.storage, PendingPrefix)
}

// PendingSize returns the pending queue length.
func (store *Store) PendingSize() (int, error) {
	return store.size(PendingPrefix)
}

// Remove deletes a pending entry; absent entries are a no-op.
func (store *Store) Remove(entityType, entityID string) error {
	if err := validateEntity(entityType, entityID); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Remove(entityKey(PendingPrefix, entityType, entityID))
}

// ClearPending deletes all pending entries.
func (store *Store) ClearPending() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Clear(PendingPrefix)
}

// AddFailed upserts a failed entry directly.
func (store *Store) AddFailed(failed FailedEntry) error {
	if err := validateEntity(failed.EntityType, failed.EntityID); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.writeFailed(failed)
}

// FailedItems returns a snapshot of the failed queue.
func (store *Store) FailedItems() ([]FailedEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return readEntries[FailedEntry](store.storage, FailedPrefix)
}

// FailedSize returns the failed queue length.
func (store *Store) FailedSize() (int, error) {
	return store.size(FailedPrefix)
}

// RemoveFailed deletes a failed entry; absent entries are a no-op.
func (store *Store) RemoveFailed(entityType, entityID string) error {
	if err := validateEntity(entityType, entityID); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Remove(entityKey(FailedPrefix, entityType, entityID))
}

// ClearFailed deletes all failed entries.
func (store *Store) ClearFailed() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Clear(FailedPrefix)
}

// AddSkipped upserts a skipped entry and takes ownership of the key: any
// pending or failed entry for the same entity is cleared in the same locked
// step so the entity is never in two queues at once.
func (store *Store) AddSkipped(entityType, entityID, reason string) error {
	if err := validateEntity(entityType, entityID); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.writeSkipped(SkippedEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Reason:     reason,
		SkippedAt:  store.clock().UTC(),
	}); err != nil {
		return err
	}
	if err := store.storage.Remove(entityKey(PendingPrefix, entityType, entityID)); err != nil {
		return err
	}
	return store.storage.Remove(entityKey(FailedPrefix, entityType, entityID))
}

// SkippedItems returns a snapshot of the skipped queue.
func (store *Store) SkippedItems() ([]SkippedEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return readEntries[SkippedEntry](store.storage, SkippedPrefix)
}

// SkippedSize returns the skipped queue length.
func (store *Store) SkippedSize() (int, error) {
	return store.size(SkippedPrefix)
}

// IsSkipped reports whether the entity sits in the skipped queue.
func (store *Store) IsSkipped(entityType, entityID string) (bool, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok, err := readEntry[SkippedEntry](store.storage, entityKey(SkippedPrefix, entityType, entityID))
	return ok, err
}

// RemoveSkipped deletes a skipped entry; absent entries are a no-op.
func (store *Store) RemoveSkipped(entityType, entityID string) error {
	if err := validateEntity(entityType, entityID); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Remove(entityKey(SkippedPrefix, entityType, entityID))
}

// ClearSkipped deletes all skipped entries.
func (store *Store) ClearSkipped() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.storage.Clear(SkippedPrefix)
}

// MoveToFailed moves a pending entry to the failed queue, incrementing the
// attempt count carried by any prior failed entry for the same entity. It
// returns false and mutates nothing when the entity is not pending.
func (store *Store) MoveToFailed(entityType, entityID, errorMessage string) (bool, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	pending, ok, err := store.readPending(entityType, entityID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	attempts := 1
	if previous, previousExists, readErr := store.readFailed(entityType, entityID); readErr != nil {
		return false, readErr
	} else if previousExists {
		attempts = previous.Attempts + 1
	}

	failed := FailedEntry{
		PendingEntry:  pending,
		Error:         errorMessage,
		Attempts:      attempts,
		LastAttemptAt: store.clock().UTC(),
	}
	// Insert into the destination before removing from the source so a crash
	// in between leaves a duplicate, never a lost entry.
	if err := store.writeFailed(failed); err != nil {
		return false, err
	}
	if err := store.storage.Remove(entityKey(PendingPrefix, entityType, entityID)); err != nil {
		return false, err
	}
	return true, nil
}

// Fail records a sync failure in one locked step: the pending entry moves to
// the failed queue with the attempt count carried over from any prior failed
// entry, and when no pending entry exists one is synthesized from the given
// operation so a dirty document without a queued intent still accrues
// attempts. Returns the new attempt count.
func (store *Store) Fail(entityType, entityID string, operation Operation, errorMessage string) (int, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return 0, err
	}
	if err := validateOperation(operation); err != nil {
		return 0, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	pending, wasPending, err := store.readPending(entityType, entityID)
	if err != nil {
		return 0, err
	}
	if !wasPending {
		pending = PendingEntry{
			EntityType: entityType,
			EntityID:   entityID,
			Operation:  operation,
			EnqueuedAt: store.clock().UTC(),
		}
	}

	attempts := 1
	if previous, previousExists, readErr := store.readFailed(entityType, entityID); readErr != nil {
		return 0, readErr
	} else if previousExists {
		attempts = previous.Attempts + 1
	}

	failed := FailedEntry{
		PendingEntry:  pending,
		Error:         errorMessage,
		Attempts:      attempts,
		LastAttemptAt: store.clock().UTC(),
	}
	if err := store.writeFailed(failed); err != nil {
		return 0, err
	}
	if wasPending {
		if err := store.storage.Remove(entityKey(PendingPrefix, entityType, entityID)); err != nil {
			return 0, err
		}
	}
	return attempts, nil
}

// MoveToSkipped moves a pending entry to the skipped queue. It returns false
// and mutates nothing when the entity is not currently pending: only pending
// work can be skipped.
func (store *Store) MoveToSkipped(entityType, entityID, reason string) (bool, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ok, err := store.readPending(entityType, entityID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	skipped := SkippedEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Reason:     reason,
		SkippedAt:  store.clock().UTC(),
	}
	if err := store.writeSkipped(skipped); err != nil {
		return false, err
	}
	if err := store.storage.Remove(entityKey(PendingPrefix, entityType, entityID)); err != nil {
		return false, err
	}
	return true, nil
}

// MoveFailedToSkipped moves a failed entry to the skipped queue; used when
// the retry budget is exhausted. Returns false when the entity is not failed.
func (store *Store) MoveFailedToSkipped(entityType, entityID, reason string) (bool, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ok, err := store.readFailed(entityType, entityID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	skipped := SkippedEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Reason:     reason,
		SkippedAt:  store.clock().UTC(),
	}
	if err := store.writeSkipped(skipped); err != nil {
		return false, err
	}
	if err := store.storage.Remove(entityKey(FailedPrefix, entityType, entityID)); err != nil {
		return false, err
	}
	return true, nil
}

// RequeueFailed moves a failed entry back to pending for another attempt,
// preserving the original intent. Returns false when the entity is not failed.
func (store *Store) RequeueFailed(entityType, entityID string) (bool, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	failed, ok, err := store.readFailed(entityType, entityID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := store.writePending(failed.PendingEntry); err != nil {
		return false, err
	}
	if err := store.storage.Remove(entityKey(FailedPrefix, entityType, entityID)); err != nil {
		return false, err
	}
	return true, nil
}

// Rename rewrites every queue entry for (entityType, oldID) under newID.
// Used when a server-assigned id replaces a temporary local one.
func (store *Store) Rename(entityType, oldID, newID string) error {
	if err := validateEntity(entityType, oldID); err != nil {
		return err
	}
	if err := validateEntity(entityType, newID); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	if pending, ok, err := store.readPending(entityType, oldID); err != nil {
		return err
	} else if ok {
		pending.EntityID = newID
		if err := store.writePending(pending); err != nil {
			return err
		}
		if err := store.storage.Remove(entityKey(PendingPrefix, entityType, oldID)); err != nil {
			return err
		}
	}
	if failed, ok, err := store.readFailed(entityType, oldID); err != nil {
		return err
	} else if ok {
		failed.EntityID = newID
		if err := store.writeFailed(failed); err != nil {
			return err
		}
		if err := store.storage.Remove(entityKey(FailedPrefix, entityType, oldID)); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) size(prefix string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	keys, err := store.storage.KeysByPrefix(prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (store *Store) readPending(entityType, entityID string) (PendingEntry, bool, error) {
	return readEntry[PendingEntry](store.storage, entityKey(PendingPrefix, entityType, entityID))
}

func (store *Store) readFailed(entityType, entityID string) (FailedEntry, bool, error) {
	return readEntry[FailedEntry](store.storage, entityKey(FailedPrefix, entityType, entityID))
}

func (store *Store) writePending(pending PendingEntry) error {
	return writeEntry(store.storage, entityKey(PendingPrefix, pending.EntityType, pending.EntityID), pending)
}

func (store *Store) writeFailed(failed FailedEntry) error {
	return writeEntry(store.storage, entityKey(FailedPrefix, failed.EntityType, failed.EntityID), failed)
}

func (store *Store) writeSkipped(skipped SkippedEntry) error {
	return writeEntry(store.storage, entityKey(SkippedPrefix, skipped.EntityType, skipped.EntityID), skipped)
}

func readEntry[T any](kv storage.KeyValue, key string) (T, bool, error) {
	var decoded T
	raw, err := kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return decoded, false, nil
	}
	if err != nil {
		return decoded, false, err
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return decoded, false, fmt.Errorf("queue: corrupt entry %q: %w", key, err)
	}
	return decoded, true, nil
}

func readEntries[T any](kv storage.KeyValue, prefix string) ([]T, error) {
	keys, err := kv.KeysByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]T, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := readEntry[T](kv, key)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func writeEntry[T any](kv storage.KeyValue, key string, entry T) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: encode entry %q: %w", key, err)
	}
	return kv.Set(key, string(encoded))
}

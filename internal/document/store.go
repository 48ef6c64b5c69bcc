package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/crdt"
	"go.uber.org/zap"
)

const (
	// FieldUpdate marks an event caused by a raw CRDT update merge.
	FieldUpdate = "update"
	// FieldText marks an event caused by the text convenience mutator.
	FieldText = "text"
)

var (
	errMissingActor   = errors.New("actor identifier is required")
	errMissingFactory = errors.New("payload factory is required")
	// ErrStoreDisposed indicates that the store no longer accepts mutations.
	ErrStoreDisposed = errors.New("document: store disposed")
	noOpLogger       = zap.NewNop()
)

// Document is a read snapshot of one document's client-side state.
// LastSyncedAt is stamped at creation and refreshed on every mutation and
// every successful sync.
type Document struct {
	ID           string
	HasState     bool
	IsDirty      bool
	LastSyncedAt time.Time
}

// StoreConfig bundles the dependencies of the CRDT document store.
type StoreConfig struct {
	// Actor stamps locally originated mutations; typically the device id.
	Actor          string
	PayloadFactory crdt.Factory
	Clock          func() time.Time
	Logger         *zap.Logger
}

type entry struct {
	payload      crdt.Payload
	dirty        bool
	lastSyncedAt time.Time
	lamport      uint64
	arrays       map[string]*ArrayView
	maps         map[string]*MapView
}

// Store is the single authoritative holder of per-document CRDT state, dirty
// flags, and sync bookkeeping. All mutation goes through it.
type Store struct {
	mu         sync.Mutex
	actor      string
	factory    crdt.Factory
	clock      func() time.Time
	logger     *zap.Logger
	entries    map[string]*entry
	syncStates map[string]SyncState
	updates    *broadcaster[UpdateEvent]
	syncEvents *broadcaster[SyncState]
	disposed   bool
}

// NewStore constructs the store with validated configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Actor == "" {
		return nil, errMissingActor
	}
	if cfg.PayloadFactory == nil {
		return nil, errMissingFactory
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		actor:      cfg.Actor,
		factory:    cfg.PayloadFactory,
		clock:      clock,
		logger:     logger,
		entries:    make(map[string]*entry),
		syncStates: make(map[string]SyncState),
		updates:    newBroadcaster[UpdateEvent](),
		syncEvents: newBroadcaster[SyncState](),
	}, nil
}

// GetDocument returns the document snapshot, creating an empty entry when the
// id has never been seen. It never fails.
func (store *Store) GetDocument(documentID string) Document {
	store.mu.Lock()
	defer store.mu.Unlock()
	record := store.ensureEntry(documentID)
	return Document{
		ID:           documentID,
		HasState:     record.payload != nil,
		IsDirty:      record.dirty,
		LastSyncedAt: record.lastSyncedAt,
	}
}

// DeleteDocument drops the in-memory entry and its views. Idempotent; a later
// GetDocument recreates the document fresh.
func (store *Store) DeleteDocument(documentID string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.entries, documentID)
}

// ApplyUpdate merges an update into the document state, marks it dirty, and
// emits an update event.
func (store *Store) ApplyUpdate(documentID string, update []byte) error {
	return store.mutate(documentID, FieldUpdate, update)
}

// SetText replaces the text view content through a locally stamped update.
func (store *Store) SetText(documentID, text string) error {
	store.mu.Lock()
	lamport := store.nextLamportLocked(documentID)
	store.mu.Unlock()
	update, err := crdt.NewTextUpdate(store.actor, lamport, text)
	if err != nil {
		return err
	}
	return store.mutate(documentID, FieldText, update)
}

// SetMapKey sets one key of a named map view through a locally stamped update.
func (store *Store) SetMapKey(documentID, name, key string, value json.RawMessage) error {
	store.mu.Lock()
	lamport := store.nextLamportLocked(documentID)
	store.mu.Unlock()
	update, err := crdt.NewMapSetUpdate(store.actor, lamport, name, key, value)
	if err != nil {
		return err
	}
	return store.mutate(documentID, name, update)
}

// InsertArrayElement appends one element to a named array view.
func (store *Store) InsertArrayElement(documentID, name, elementID string, value json.RawMessage) error {
	store.mu.Lock()
	lamport := store.nextLamportLocked(documentID)
	store.mu.Unlock()
	update, err := crdt.NewArrayInsertUpdate(store.actor, lamport, name, elementID, value)
	if err != nil {
		return err
	}
	return store.mutate(documentID, name, update)
}

func (store *Store) mutate(documentID, field string, update []byte) error {
	store.mu.Lock()
	if store.disposed {
		store.mu.Unlock()
		return ErrStoreDisposed
	}
	record := store.ensureEntry(documentID)
	if record.payload == nil {
		record.payload = store.factory()
	}
	if err := record.payload.ApplyUpdate(update); err != nil {
		store.mu.Unlock()
		store.logger.Error("document update rejected",
			zap.String("operation", "document.apply_update"),
			zap.String("document_id", documentID),
			zap.Error(err))
		return err
	}
	now := store.clock().UTC()
	record.dirty = true
	record.lastSyncedAt = now
	store.mu.Unlock()

	store.updates.Publish(UpdateEvent{DocumentID: documentID, Field: field, Timestamp: now})
	return nil
}

// MergeRemote merges a server-origin update without marking the document
// dirty. Local mutations that raced the merge keep their dirty flag.
func (store *Store) MergeRemote(documentID string, update []byte) error {
	store.mu.Lock()
	if store.disposed {
		store.mu.Unlock()
		return ErrStoreDisposed
	}
	record := store.ensureEntry(documentID)
	if record.payload == nil {
		record.payload = store.factory()
	}
	if err := record.payload.ApplyUpdate(update); err != nil {
		store.mu.Unlock()
		return err
	}
	now := store.clock().UTC()
	record.lastSyncedAt = now
	store.mu.Unlock()

	store.updates.Publish(UpdateEvent{DocumentID: documentID, Field: FieldUpdate, Timestamp: now})
	return nil
}

// GetText returns the document's text view, or empty when no state exists.
func (store *Store) GetText(documentID string) string {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.entries[documentID]
	if !ok || record.payload == nil {
		return ""
	}
	provider, ok := record.payload.(crdt.ViewProvider)
	if !ok {
		return ""
	}
	return provider.Text()
}

// GetArray returns a live array view, or nil when the document has no
// materialized state. Views are created once per (document, name) and reused.
func (store *Store) GetArray(documentID, name string) *ArrayView {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.entries[documentID]
	if !ok || record.payload == nil {
		return nil
	}
	provider, ok := record.payload.(crdt.ViewProvider)
	if !ok {
		return nil
	}
	if record.arrays == nil {
		record.arrays = make(map[string]*ArrayView)
	}
	view, exists := record.arrays[name]
	if !exists {
		view = &ArrayView{name: name, provider: provider}
		record.arrays[name] = view
	}
	return view
}

// GetMap returns a live map view, or nil when the document has no
// materialized state. Views are created once per (document, name) and reused.
func (store *Store) GetMap(documentID, name string) *MapView {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.entries[documentID]
	if !ok || record.payload == nil {
		return nil
	}
	provider, ok := record.payload.(crdt.ViewProvider)
	if !ok {
		return nil
	}
	if record.maps == nil {
		record.maps = make(map[string]*MapView)
	}
	view, exists := record.maps[name]
	if !exists {
		view = &MapView{name: name, provider: provider}
		record.maps[name] = view
	}
	return view
}

// GetState returns the document's CRDT state vector, or nil when the document
// has never materialized state.
func (store *Store) GetState(documentID string) []byte {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.entries[documentID]
	if !ok || record.payload == nil {
		return nil
	}
	return record.payload.StateVector()
}

// EncodeDocument serializes the full document state as one mergeable update,
// or nil when the document has never materialized state.
func (store *Store) EncodeDocument(documentID string) []byte {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.entries[documentID]
	if !ok || record.payload == nil {
		return nil
	}
	return record.payload.Encode()
}

// HasPendingChanges reports whether the document has unsynced local mutations.
func (store *Store) HasPendingChanges(documentID string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.entries[documentID]
	return ok && record.dirty
}

// DirtyDocumentIDs returns a sorted snapshot of all dirty document ids.
func (store *Store) DirtyDocumentIDs() []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	identifiers := make([]string, 0)
	for documentID, record := range store.entries {
		if record.dirty {
			identifiers = append(identifiers, documentID)
		}
	}
	sort.Strings(identifiers)
	return identifiers
}

// MarkSynced clears the dirty flag, refreshes the sync timestamp, and
// broadcasts a success state. Idempotent.
func (store *Store) MarkSynced(documentID string) {
	store.mu.Lock()
	record := store.ensureEntry(documentID)
	record.dirty = false
	record.lastSyncedAt = store.clock().UTC()
	store.mu.Unlock()

	store.setSyncState(documentID, SyncStatusSuccess, "")
}

// UpdateSyncState records an explicit status transition, independent of the
// dirty flag. An error status requires a message; other statuses clear it.
func (store *Store) UpdateSyncState(documentID string, status SyncStatus, errorMessage string) error {
	switch status {
	case SyncStatusIdle, SyncStatusSyncing, SyncStatusSuccess:
		errorMessage = ""
	case SyncStatusError:
		if errorMessage == "" {
			return fmt.Errorf("document: error status requires a message")
		}
	default:
		return fmt.Errorf("document: unknown sync status %q", status)
	}
	store.setSyncState(documentID, status, errorMessage)
	return nil
}

func (store *Store) setSyncState(documentID string, status SyncStatus, errorMessage string) {
	state := SyncState{
		DocumentID:   documentID,
		Status:       status,
		ErrorMessage: errorMessage,
		ChangedAt:    store.clock().UTC(),
	}
	store.mu.Lock()
	store.syncStates[documentID] = state
	store.mu.Unlock()
	store.syncEvents.Publish(state)
}

// GetSyncState returns the current sync badge for the document, creating an
// idle one on first access.
func (store *Store) GetSyncState(documentID string) SyncState {
	store.mu.Lock()
	defer store.mu.Unlock()
	state, ok := store.syncStates[documentID]
	if !ok {
		state = SyncState{DocumentID: documentID, Status: SyncStatusIdle, ChangedAt: store.clock().UTC()}
		store.syncStates[documentID] = state
	}
	return state
}

// Rename moves a document's state, views, dirty flag, and sync badge to a new
// id. Used when a server-assigned id replaces a temporary local one.
func (store *Store) Rename(oldID, newID string) {
	if oldID == newID {
		return
	}
	store.mu.Lock()
	if record, ok := store.entries[oldID]; ok {
		delete(store.entries, oldID)
		store.entries[newID] = record
	}
	if state, ok := store.syncStates[oldID]; ok {
		delete(store.syncStates, oldID)
		state.DocumentID = newID
		store.syncStates[newID] = state
	}
	store.mu.Unlock()
}

// Updates subscribes to document mutation events.
func (store *Store) Updates(ctx context.Context) (<-chan UpdateEvent, func()) {
	return store.updates.Subscribe(ctx)
}

// SyncStateChanges subscribes to sync badge transitions.
func (store *Store) SyncStateChanges(ctx context.Context) (<-chan SyncState, func()) {
	return store.syncEvents.Subscribe(ctx)
}

// Dispose closes both broadcast streams. Safe to call multiple times.
func (store *Store) Dispose() {
	store.mu.Lock()
	store.disposed = true
	store.mu.Unlock()
	store.updates.Close()
	store.syncEvents.Close()
}

func (store *Store) ensureEntry(documentID string) *entry {
	record, ok := store.entries[documentID]
	if !ok {
		record = &entry{lastSyncedAt: store.clock().UTC()}
		store.entries[documentID] = record
	}
	return record
}

// nextLamportLocked returns a stamp above everything the document has seen.
// The wall-clock floor keeps local writes competitive after merging remote
// updates stamped by other devices.
func (store *Store) nextLamportLocked(documentID string) uint64 {
	record := store.ensureEntry(documentID)
	candidate := uint64(store.clock().UTC().UnixMilli())
	if candidate <= record.lamport {
		candidate = record.lamport + 1
	}
	record.lamport = candidate
	return candidate
}

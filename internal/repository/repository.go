package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/cache"
	"github.com/inkwellhq/inkwell-sync/internal/document"
	"github.com/inkwellhq/inkwell-sync/internal/queue"
	"github.com/inkwellhq/inkwell-sync/internal/remote"
	"go.uber.org/zap"
)

const (
	// EntityTypeDocument is the queue entity type for documents.
	EntityTypeDocument = "document"
	// LocalIDPrefix marks ids synthesized while offline, pending remap.
	LocalIDPrefix = "local-"
)

var (
	errMissingRemote    = errors.New("remote client is required")
	errMissingCache     = errors.New("cache store is required")
	errMissingDocuments = errors.New("document store is required")
	errMissingQueue     = errors.New("queue store is required")
	errMissingLedger    = errors.New("remap ledger is required")
	errMissingProvider  = errors.New("id provider is required")
	// ErrDocumentUnavailable indicates the document is neither reachable
	// remotely nor present in the local cache.
	ErrDocumentUnavailable = errors.New("repository: document unavailable")
)

// DocumentAPI is the remote surface the repository reconciles against.
type DocumentAPI interface {
	CreateDocument(ctx context.Context, request remote.CreateDocumentRequest) (remote.RemoteDocument, error)
	GetDocument(ctx context.Context, documentID string) (remote.RemoteDocument, error)
	UpdateDocument(ctx context.Context, documentID string, request remote.UpdateDocumentRequest) (remote.RemoteDocument, error)
	DeleteDocument(ctx context.Context, documentID string) error
	ListDocuments(ctx context.Context, spaceID string) ([]remote.RemoteDocument, error)
	GetChildren(ctx context.Context, documentID string) ([]remote.RemoteDocument, error)
	GetPath(ctx context.Context, documentID string) ([]remote.RemoteDocument, error)
}

// IDProvider issues identifiers for documents created while offline.
type IDProvider interface {
	NewID() (string, error)
}

// CreateDocumentInput describes a document creation request.
type CreateDocumentInput struct {
	Title       string
	SpaceID     string
	ParentID    string
	ContentJSON json.RawMessage
}

// Config bundles the repository dependencies.
type Config struct {
	Remote     DocumentAPI
	Cache      *cache.Store
	Documents  *document.Store
	Queue      *queue.Store
	Ledger     *Ledger
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Repository is the boundary between the sync core and the remote document
// API: online-first reads and writes with transparent offline fallback. On
// remote success it reconciles the cache and CRDT state with server data; on
// transient remote failure it serves the cache and records the intent for the
// orchestrator to replay.
type Repository struct {
	remote     DocumentAPI
	cache      *cache.Store
	documents  *document.Store
	queue      *queue.Store
	ledger     *Ledger
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// New constructs the repository with validated configuration.
func New(cfg Config) (*Repository, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.IDProvider == nil {
		return nil, errMissingProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		remote:     cfg.Remote,
		cache:      cfg.Cache,
		documents:  cfg.Documents,
		queue:      cfg.Queue,
		ledger:     cfg.Ledger,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Create makes the document remotely when possible. When the remote call
// fails transiently it synthesizes a temporary local id, caches the record as
// dirty, and queues the create for the orchestrator.
func (repo *Repository) Create(ctx context.Context, input CreateDocumentInput) (cache.CachedDocument, error) {
	request := remote.CreateDocumentRequest{
		Title:       input.Title,
		SpaceID:     input.SpaceID,
		ParentID:    input.ParentID,
		ContentJSON: input.ContentJSON,
	}
	created, err := repo.remote.CreateDocument(ctx, request)
	if err == nil {
		record := repo.normalize(created, false)
		if cacheErr := repo.cache.Put(record); cacheErr != nil {
			return cache.CachedDocument{}, cacheErr
		}
		return record, nil
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return cache.CachedDocument{}, err
	}

	localID, idErr := repo.newLocalID()
	if idErr != nil {
		return cache.CachedDocument{}, idErr
	}
	record := cache.CachedDocument{
		DocumentID:  localID,
		Title:       input.Title,
		SpaceID:     input.SpaceID,
		ParentID:    input.ParentID,
		ContentJSON: input.ContentJSON,
		Version:     0,
		ModifiedAt:  repo.clock().UTC(),
		IsDirty:     true,
		Priority:    cache.PriorityPinned,
	}
	if cacheErr := repo.cache.Put(record); cacheErr != nil {
		return cache.CachedDocument{}, cacheErr
	}
	payload, encodeErr := json.Marshal(createIntent{Title: input.Title, SpaceID: input.SpaceID, ParentID: input.ParentID})
	if encodeErr != nil {
		return cache.CachedDocument{}, encodeErr
	}
	if queueErr := repo.queue.Add(EntityTypeDocument, localID, queue.OperationCreate, payload); queueErr != nil {
		return cache.CachedDocument{}, queueErr
	}
	repo.logger.Info("document created offline",
		zap.String("document_id", localID),
		zap.String("space_id", input.SpaceID))
	return record, nil
}

type createIntent struct {
	Title    string `json:"title"`
	SpaceID  string `json:"space_id"`
	ParentID string `json:"parent_id,omitempty"`
}

// Get fetches the document remotely, reconciling cache and CRDT state on
// success; on transient failure it serves the cached record, stale included.
func (repo *Repository) Get(ctx context.Context, documentID string) (cache.CachedDocument, error) {
	resolvedID, err := repo.ledger.Resolve(documentID)
	if err != nil {
		return cache.CachedDocument{}, err
	}

	fetched, err := repo.remote.GetDocument(ctx, resolvedID)
	if err == nil {
		return repo.reconcile(fetched)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return cache.CachedDocument{}, err
	}

	record, ok, cacheErr := repo.cache.GetStale(resolvedID)
	if cacheErr != nil {
		return cache.CachedDocument{}, cacheErr
	}
	if !ok {
		return cache.CachedDocument{}, fmt.Errorf("%w: %s", ErrDocumentUnavailable, documentID)
	}
	return record, nil
}

// Update pushes the change remotely when possible. On transient failure it
// rewrites the cache as dirty and queues the update for the orchestrator.
func (repo *Repository) Update(ctx context.Context, documentID string, request remote.UpdateDocumentRequest) (cache.CachedDocument, error) {
	resolvedID, err := repo.ledger.Resolve(documentID)
	if err != nil {
		return cache.CachedDocument{}, err
	}

	updated, err := repo.remote.UpdateDocument(ctx, resolvedID, request)
	if err == nil {
		return repo.reconcile(updated)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return cache.CachedDocument{}, err
	}

	record, ok, cacheErr := repo.cache.GetStale(resolvedID)
	if cacheErr != nil {
		return cache.CachedDocument{}, cacheErr
	}
	if !ok {
		record = cache.CachedDocument{DocumentID: resolvedID}
	}
	if request.Title != "" {
		record.Title = request.Title
	}
	if len(request.ContentJSON) > 0 {
		record.ContentJSON = request.ContentJSON
	}
	record.ModifiedAt = repo.clock().UTC()
	record.IsDirty = true
	if cacheErr := repo.cache.Put(record); cacheErr != nil {
		return cache.CachedDocument{}, cacheErr
	}
	payload, encodeErr := json.Marshal(request)
	if encodeErr != nil {
		return cache.CachedDocument{}, encodeErr
	}
	if queueErr := repo.queue.Add(EntityTypeDocument, resolvedID, queue.OperationUpdate, payload); queueErr != nil {
		return cache.CachedDocument{}, queueErr
	}
	return record, nil
}

// Delete removes the document remotely when possible; on transient failure
// the deletion intent is queued and the cached record dropped.
func (repo *Repository) Delete(ctx context.Context, documentID string) error {
	resolvedID, err := repo.ledger.Resolve(documentID)
	if err != nil {
		return err
	}

	err = repo.remote.DeleteDocument(ctx, resolvedID)
	if err == nil {
		return repo.cache.Remove(resolvedID)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return err
	}
	if queueErr := repo.queue.Add(EntityTypeDocument, resolvedID, queue.OperationDelete, nil); queueErr != nil {
		return queueErr
	}
	return repo.cache.Remove(resolvedID)
}

// List returns a space's documents, falling back to cached records on
// transient remote failure.
func (repo *Repository) List(ctx context.Context, spaceID string) ([]cache.CachedDocument, error) {
	fetched, err := repo.remote.ListDocuments(ctx, spaceID)
	if err == nil {
		return repo.reconcileAll(fetched)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return nil, err
	}
	return repo.cachedWhere(func(record cache.CachedDocument) bool {
		return record.SpaceID == spaceID
	})
}

// GetChildren returns a document's direct children with cache fallback.
func (repo *Repository) GetChildren(ctx context.Context, documentID string) ([]cache.CachedDocument, error) {
	resolvedID, err := repo.ledger.Resolve(documentID)
	if err != nil {
		return nil, err
	}
	fetched, err := repo.remote.GetChildren(ctx, resolvedID)
	if err == nil {
		return repo.reconcileAll(fetched)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return nil, err
	}
	return repo.cachedWhere(func(record cache.CachedDocument) bool {
		return record.ParentID == resolvedID
	})
}

// GetPath returns the ancestor chain, root first, with cache fallback.
func (repo *Repository) GetPath(ctx context.Context, documentID string) ([]cache.CachedDocument, error) {
	resolvedID, err := repo.ledger.Resolve(documentID)
	if err != nil {
		return nil, err
	}
	fetched, err := repo.remote.GetPath(ctx, resolvedID)
	if err == nil {
		return repo.reconcileAll(fetched)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		return nil, err
	}

	path := make([]cache.CachedDocument, 0)
	currentID := resolvedID
	for currentID != "" {
		record, ok, cacheErr := repo.cache.GetStale(currentID)
		if cacheErr != nil {
			return nil, cacheErr
		}
		if !ok {
			break
		}
		path = append([]cache.CachedDocument{record}, path...)
		currentID = record.ParentID
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocumentUnavailable, documentID)
	}
	return path, nil
}

// SyncPush pushes the document's full CRDT state to the server without any
// offline fallback; the orchestrator classifies the raw error. Documents with
// a temporary local id are created, everything else is updated.
func (repo *Repository) SyncPush(ctx context.Context, documentID string) (remote.RemoteDocument, error) {
	encoded := repo.documents.EncodeDocument(documentID)
	stateVector := repo.documents.GetState(documentID)

	updateB64 := ""
	if len(encoded) > 0 {
		updateB64 = base64.StdEncoding.EncodeToString(encoded)
	}
	vectorB64 := ""
	if len(stateVector) > 0 {
		vectorB64 = base64.StdEncoding.EncodeToString(stateVector)
	}

	if repo.IsLocalID(documentID) {
		record, _, cacheErr := repo.cache.GetStale(documentID)
		if cacheErr != nil {
			return remote.RemoteDocument{}, cacheErr
		}
		created, err := repo.remote.CreateDocument(ctx, remote.CreateDocumentRequest{
			Title:          record.Title,
			SpaceID:        record.SpaceID,
			ParentID:       record.ParentID,
			ContentJSON:    record.ContentJSON,
			CrdtUpdateB64:  updateB64,
			StateVectorB64: vectorB64,
		})
		if err != nil {
			return remote.RemoteDocument{}, err
		}
		if _, reconcileErr := repo.reconcile(created); reconcileErr != nil {
			return remote.RemoteDocument{}, reconcileErr
		}
		return created, nil
	}

	record, _, cacheErr := repo.cache.GetStale(documentID)
	if cacheErr != nil {
		return remote.RemoteDocument{}, cacheErr
	}
	updated, err := repo.remote.UpdateDocument(ctx, documentID, remote.UpdateDocumentRequest{
		ContentJSON:    record.ContentJSON,
		CrdtUpdateB64:  updateB64,
		StateVectorB64: vectorB64,
		Version:        record.Version,
	})
	if err != nil {
		return remote.RemoteDocument{}, err
	}
	if _, reconcileErr := repo.reconcile(updated); reconcileErr != nil {
		return remote.RemoteDocument{}, reconcileErr
	}
	return updated, nil
}

// SyncDelete replays a queued deletion without offline fallback.
func (repo *Repository) SyncDelete(ctx context.Context, documentID string) error {
	if err := repo.remote.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	return repo.cache.Remove(documentID)
}

// RecordRemap persists a temporary-id to server-id mapping and rewrites the
// cached record under the new id.
func (repo *Repository) RecordRemap(localID, remoteID string) error {
	if err := repo.ledger.Record(localID, remoteID); err != nil {
		return err
	}
	return repo.cache.Rename(localID, remoteID)
}

// IsLocalID reports whether the id was synthesized offline and has no
// recorded server mapping yet.
func (repo *Repository) IsLocalID(documentID string) bool {
	if !strings.HasPrefix(documentID, LocalIDPrefix) {
		return false
	}
	resolved, err := repo.ledger.Resolve(documentID)
	if err != nil {
		return true
	}
	return resolved == documentID
}

func (repo *Repository) newLocalID() (string, error) {
	identifier, err := repo.idProvider.NewID()
	if err != nil {
		return "", err
	}
	return LocalIDPrefix + identifier, nil
}

// reconcile folds a server document into the cache and merges any carried
// CRDT update into the local document state without re-dirtying it.
func (repo *Repository) reconcile(fetched remote.RemoteDocument) (cache.CachedDocument, error) {
	if fetched.CrdtUpdateB64 != "" {
		update, err := base64.StdEncoding.DecodeString(fetched.CrdtUpdateB64)
		if err != nil {
			repo.logger.Warn("server crdt update undecodable",
				zap.String("document_id", fetched.ID),
				zap.Error(err))
		} else if mergeErr := repo.documents.MergeRemote(fetched.ID, update); mergeErr != nil {
			repo.logger.Warn("server crdt update rejected",
				zap.String("document_id", fetched.ID),
				zap.Error(mergeErr))
		}
	}
	record := repo.normalize(fetched, false)
	if err := repo.cache.Put(record); err != nil {
		return cache.CachedDocument{}, err
	}
	return record, nil
}

func (repo *Repository) reconcileAll(fetched []remote.RemoteDocument) ([]cache.CachedDocument, error) {
	records := make([]cache.CachedDocument, 0, len(fetched))
	for _, remoteDocument := range fetched {
		record, err := repo.reconcile(remoteDocument)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (repo *Repository) normalize(fetched remote.RemoteDocument, dirty bool) cache.CachedDocument {
	var stateVector []byte
	if fetched.StateVectorB64 != "" {
		if decoded, err := base64.StdEncoding.DecodeString(fetched.StateVectorB64); err == nil {
			stateVector = decoded
		}
	}
	return cache.CachedDocument{
		DocumentID:  fetched.ID,
		Title:       fetched.Title,
		SpaceID:     fetched.SpaceID,
		ParentID:    fetched.ParentID,
		ContentJSON: fetched.ContentJSON,
		StateVector: stateVector,
		Version:     fetched.Version,
		ModifiedAt:  fetched.ModifiedAt,
		IsDirty:     dirty,
		Priority:    cache.PriorityDefault,
	}
}

func (repo *Repository) cachedWhere(include func(cache.CachedDocument) bool) ([]cache.CachedDocument, error) {
	records, err := repo.cache.All()
	if err != nil {
		return nil, err
	}
	matched := make([]cache.CachedDocument, 0)
	for _, record := range records {
		if include(record) {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		return matched[left].DocumentID < matched[right].DocumentID
	})
	return matched, nil
}

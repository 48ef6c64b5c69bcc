package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/inkwellhq/inkwell-sync/internal/cache"
	"github.com/inkwellhq/inkwell-sync/internal/crdt"
	"github.com/inkwellhq/inkwell-sync/internal/document"
	"github.com/inkwellhq/inkwell-sync/internal/queue"
	"github.com/inkwellhq/inkwell-sync/internal/remote"
	"github.com/inkwellhq/inkwell-sync/internal/storage"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeRemote is an in-memory document API with a switchable offline mode.
type fakeRemote struct {
	offline   bool
	failWith  error
	documents map[string]remote.RemoteDocument
	nextID    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{documents: make(map[string]remote.RemoteDocument)}
}

func (api *fakeRemote) gate() error {
	if api.failWith != nil {
		return api.failWith
	}
	if api.offline {
		return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
	}
	return nil
}

func (api *fakeRemote) CreateDocument(ctx context.Context, request remote.CreateDocumentRequest) (remote.RemoteDocument, error) {
	if err := api.gate(); err != nil {
		return remote.RemoteDocument{}, err
	}
	api.nextID++
	created := remote.RemoteDocument{
		ID:            fmt.Sprintf("server-%d", api.nextID),
		Title:         request.Title,
		SpaceID:       request.SpaceID,
		ParentID:      request.ParentID,
		ContentJSON:   request.ContentJSON,
		CrdtUpdateB64: request.CrdtUpdateB64,
		Version:       1,
		ModifiedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	api.documents[created.ID] = created
	return created, nil
}

func (api *fakeRemote) GetDocument(ctx context.Context, documentID string) (remote.RemoteDocument, error) {
	if err := api.gate(); err != nil {
		return remote.RemoteDocument{}, err
	}
	found, ok := api.documents[documentID]
	if !ok {
		return remote.RemoteDocument{}, fmt.Errorf("%w: %s", remote.ErrNotFound, documentID)
	}
	return found, nil
}

func (api *fakeRemote) UpdateDocument(ctx context.Context, documentID string, request remote.UpdateDocumentRequest) (remote.RemoteDocument, error) {
	if err := api.gate(); err != nil {
		return remote.RemoteDocument{}, err
	}
	found, ok := api.documents[documentID]
	if !ok {
		return remote.RemoteDocument{}, fmt.Errorf("%w: %s", remote.ErrNotFound, documentID)
	}
	if request.Title != "" {
		found.Title = request.Title
	}
	if len(request.ContentJSON) > 0 {
		found.ContentJSON = request.ContentJSON
	}
	if request.CrdtUpdateB64 != "" {
		found.CrdtUpdateB64 = request.CrdtUpdateB64
	}
	found.Version++
	api.documents[documentID] = found
	return found, nil
}

func (api *fakeRemote) DeleteDocument(ctx context.Context, documentID string) error {
	if err := api.gate(); err != nil {
		return err
	}
	delete(api.documents, documentID)
	return nil
}

func (api *fakeRemote) ListDocuments(ctx context.Context, spaceID string) ([]remote.RemoteDocument, error) {
	if err := api.gate(); err != nil {
		return nil, err
	}
	listed := make([]remote.RemoteDocument, 0)
	for _, found := range api.documents {
		if found.SpaceID == spaceID {
			listed = append(listed, found)
		}
	}
	return listed, nil
}

func (api *fakeRemote) GetChildren(ctx context.Context, documentID string) ([]remote.RemoteDocument, error) {
	if err := api.gate(); err != nil {
		return nil, err
	}
	children := make([]remote.RemoteDocument, 0)
	for _, found := range api.documents {
		if found.ParentID == documentID {
			children = append(children, found)
		}
	}
	return children, nil
}

func (api *fakeRemote) GetPath(ctx context.Context, documentID string) ([]remote.RemoteDocument, error) {
	if err := api.gate(); err != nil {
		return nil, err
	}
	path := make([]remote.RemoteDocument, 0)
	currentID := documentID
	for currentID != "" {
		found, ok := api.documents[currentID]
		if !ok {
			break
		}
		path = append([]remote.RemoteDocument{found}, path...)
		currentID = found.ParentID
	}
	return path, nil
}

type sequentialIDs struct {
	next int
}

func (ids *sequentialIDs) NewID() (string, error) {
	ids.next++
	return fmt.Sprintf("temp-%d", ids.next), nil
}

type fixture struct {
	remote     *fakeRemote
	cache      *cache.Store
	documents  *document.Store
	queue      *queue.Store
	ledger     *Ledger
	repository *Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "repository_test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := db.AutoMigrate(&RemapRecord{}); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}
	ledger, err := NewLedger(LedgerConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected ledger error: %v", err)
	}

	kv := storage.NewMemoryStore()
	cacheStore, err := cache.NewStore(cache.StoreConfig{Storage: kv, TTL: time.Hour, MaxEntries: 64})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	queueStore, err := queue.NewStore(queue.StoreConfig{Storage: kv})
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	documentStore, err := document.NewStore(document.StoreConfig{
		Actor:          "device-test",
		PayloadFactory: crdt.NewPayload,
	})
	if err != nil {
		t.Fatalf("unexpected document store error: %v", err)
	}
	t.Cleanup(documentStore.Dispose)

	api := newFakeRemote()
	repo, err := New(Config{
		Remote:     api,
		Cache:      cacheStore,
		Documents:  documentStore,
		Queue:      queueStore,
		Ledger:     ledger,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected repository error: %v", err)
	}
	return &fixture{
		remote:     api,
		cache:      cacheStore,
		documents:  documentStore,
		queue:      queueStore,
		ledger:     ledger,
		repository: repo,
	}
}

func TestCreateOnlineCachesServerRecord(t *testing.T) {
	fx := newFixture(t)

	created, err := fx.repository.Create(context.Background(), CreateDocumentInput{
		Title:       "Meeting Notes",
		SpaceID:     "space-1",
		ContentJSON: json.RawMessage(`{"text":"agenda"}`),
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if created.DocumentID != "server-1" {
		t.Fatalf("expected server id, got %q", created.DocumentID)
	}
	if created.IsDirty {
		t.Fatalf("online create should not be dirty")
	}

	cached, ok, err := fx.cache.Get("server-1")
	if err != nil || !ok {
		t.Fatalf("expected cached record, got ok=%v err=%v", ok, err)
	}
	if cached.Title != "Meeting Notes" {
		t.Fatalf("unexpected cached record %#v", cached)
	}
	pendingSize, err := fx.queue.PendingSize()
	if err != nil || pendingSize != 0 {
		t.Fatalf("online create must not queue work, size=%d err=%v", pendingSize, err)
	}
}

func TestCreateOfflineSynthesizesLocalID(t *testing.T) {
	fx := newFixture(t)
	fx.remote.offline = true

	created, err := fx.repository.Create(context.Background(), CreateDocumentInput{
		Title:       "Offline Draft",
		SpaceID:     "space-1",
		ContentJSON: json.RawMessage(`{"text":"draft"}`),
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if !fx.repository.IsLocalID(created.DocumentID) {
		t.Fatalf("expected temporary local id, got %q", created.DocumentID)
	}
	if !created.IsDirty || created.Priority != cache.PriorityPinned {
		t.Fatalf("offline create must be cached dirty and pinned, got %#v", created)
	}

	items, err := fx.queue.PendingItems()
	if err != nil {
		t.Fatalf("unexpected items error: %v", err)
	}
	if len(items) != 1 || items[0].Operation != queue.OperationCreate || items[0].EntityID != created.DocumentID {
		t.Fatalf("expected queued create intent, got %#v", items)
	}
}

func TestCreatePermanentErrorDoesNotFallBack(t *testing.T) {
	fx := newFixture(t)
	fx.remote.failWith = fmt.Errorf("%w: title required", remote.ErrInvalid)

	_, err := fx.repository.Create(context.Background(), CreateDocumentInput{SpaceID: "space-1"})
	if !errors.Is(err, remote.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	pendingSize, err := fx.queue.PendingSize()
	if err != nil || pendingSize != 0 {
		t.Fatalf("permanent failure must not queue work, size=%d err=%v", pendingSize, err)
	}
}

func TestGetOnlineReconcilesCrdtStateWithoutDirtying(t *testing.T) {
	fx := newFixture(t)

	peer, err := document.NewStore(document.StoreConfig{Actor: "device-peer", PayloadFactory: crdt.NewPayload})
	if err != nil {
		t.Fatalf("unexpected peer store error: %v", err)
	}
	defer peer.Dispose()
	if err := peer.SetText("server-9", "server copy"); err != nil {
		t.Fatalf("unexpected set text error: %v", err)
	}

	fx.remote.documents["server-9"] = remote.RemoteDocument{
		ID:            "server-9",
		Title:         "Shared Doc",
		SpaceID:       "space-1",
		ContentJSON:   json.RawMessage(`{"text":"server copy"}`),
		CrdtUpdateB64: base64.StdEncoding.EncodeToString(peer.EncodeDocument("server-9")),
		Version:       4,
	}

	record, err := fx.repository.Get(context.Background(), "server-9")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if record.Version != 4 {
		t.Fatalf("unexpected record %#v", record)
	}
	if fx.documents.GetText("server-9") != "server copy" {
		t.Fatalf("expected crdt state merged, got %q", fx.documents.GetText("server-9"))
	}
	if fx.documents.HasPendingChanges("server-9") {
		t.Fatalf("server reconciliation must not dirty the document")
	}
}

func TestGetOfflineServesStaleCache(t *testing.T) {
	fx := newFixture(t)
	fx.remote.documents["server-1"] = remote.RemoteDocument{
		ID:          "server-1",
		Title:       "Cached Doc",
		SpaceID:     "space-1",
		ContentJSON: json.RawMessage(`{"text":"cached"}`),
	}
	if _, err := fx.repository.Get(context.Background(), "server-1"); err != nil {
		t.Fatalf("unexpected warm-up error: %v", err)
	}

	fx.remote.offline = true
	record, err := fx.repository.Get(context.Background(), "server-1")
	if err != nil {
		t.Fatalf("expected cache fallback, got %v", err)
	}
	if record.Title != "Cached Doc" {
		t.Fatalf("unexpected record %#v", record)
	}

	_, err = fx.repository.Get(context.Background(), "never-seen")
	if !errors.Is(err, ErrDocumentUnavailable) {
		t.Fatalf("expected ErrDocumentUnavailable, got %v", err)
	}
}

func TestGetNotFoundPropagates(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.repository.Get(context.Background(), "missing")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateOfflineQueuesIntent(t *testing.T) {
	fx := newFixture(t)
	fx.remote.offline = true

	record, err := fx.repository.Update(context.Background(), "server-1", remote.UpdateDocumentRequest{
		Title:       "Renamed",
		ContentJSON: json.RawMessage(`{"text":"new body"}`),
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if !record.IsDirty || record.Title != "Renamed" {
		t.Fatalf("unexpected record %#v", record)
	}

	items, err := fx.queue.PendingItems()
	if err != nil {
		t.Fatalf("unexpected items error: %v", err)
	}
	if len(items) != 1 || items[0].Operation != queue.OperationUpdate {
		t.Fatalf("expected queued update intent, got %#v", items)
	}
}

func TestDeleteOfflineQueuesIntentAndDropsCache(t *testing.T) {
	fx := newFixture(t)
	fx.remote.documents["server-1"] = remote.RemoteDocument{
		ID:          "server-1",
		SpaceID:     "space-1",
		ContentJSON: json.RawMessage(`{"text":"bye"}`),
	}
	if _, err := fx.repository.Get(context.Background(), "server-1"); err != nil {
		t.Fatalf("unexpected warm-up error: %v", err)
	}

	fx.remote.offline = true
	if err := fx.repository.Delete(context.Background(), "server-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok, _ := fx.cache.GetStale("server-1"); ok {
		t.Fatalf("deleted document should leave the cache")
	}
	items, err := fx.queue.PendingItems()
	if err != nil {
		t.Fatalf("unexpected items error: %v", err)
	}
	if len(items) != 1 || items[0].Operation != queue.OperationDelete {
		t.Fatalf("expected queued delete intent, got %#v", items)
	}
}

func TestListOfflineFiltersCacheBySpace(t *testing.T) {
	fx := newFixture(t)
	for _, seeded := range []remote.RemoteDocument{
		{ID: "server-1", SpaceID: "space-1", ContentJSON: json.RawMessage(`{}`)},
		{ID: "server-2", SpaceID: "space-1", ContentJSON: json.RawMessage(`{}`)},
		{ID: "server-3", SpaceID: "space-2", ContentJSON: json.RawMessage(`{}`)},
	} {
		fx.remote.documents[seeded.ID] = seeded
	}
	if _, err := fx.repository.List(context.Background(), "space-1"); err != nil {
		t.Fatalf("unexpected warm-up error: %v", err)
	}
	if _, err := fx.repository.List(context.Background(), "space-2"); err != nil {
		t.Fatalf("unexpected warm-up error: %v", err)
	}

	fx.remote.offline = true
	listed, err := fx.repository.List(context.Background(), "space-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 2 || listed[0].DocumentID != "server-1" || listed[1].DocumentID != "server-2" {
		t.Fatalf("unexpected listing %#v", listed)
	}
}

func TestGetPathOfflineWalksCachedParents(t *testing.T) {
	fx := newFixture(t)
	for _, seeded := range []remote.RemoteDocument{
		{ID: "root", SpaceID: "space-1", ContentJSON: json.RawMessage(`{}`)},
		{ID: "child", SpaceID: "space-1", ParentID: "root", ContentJSON: json.RawMessage(`{}`)},
		{ID: "leaf", SpaceID: "space-1", ParentID: "child", ContentJSON: json.RawMessage(`{}`)},
	} {
		fx.remote.documents[seeded.ID] = seeded
		if _, err := fx.repository.Get(context.Background(), seeded.ID); err != nil {
			t.Fatalf("unexpected warm-up error: %v", err)
		}
	}

	fx.remote.offline = true
	path, err := fx.repository.GetPath(context.Background(), "leaf")
	if err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
	if len(path) != 3 || path[0].DocumentID != "root" || path[2].DocumentID != "leaf" {
		t.Fatalf("unexpected path %#v", path)
	}
}

func TestSyncPushCreatesDocumentWithLocalID(t *testing.T) {
	fx := newFixture(t)
	fx.remote.offline = true
	created, err := fx.repository.Create(context.Background(), CreateDocumentInput{
		Title:       "Offline Draft",
		SpaceID:     "space-1",
		ContentJSON: json.RawMessage(`{"text":"draft"}`),
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := fx.documents.SetText(created.DocumentID, "draft body"); err != nil {
		t.Fatalf("unexpected set text error: %v", err)
	}

	fx.remote.offline = false
	pushed, err := fx.repository.SyncPush(context.Background(), created.DocumentID)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if pushed.ID == created.DocumentID || pushed.ID == "" {
		t.Fatalf("expected a server-assigned id, got %q", pushed.ID)
	}
	if pushed.Title != "Offline Draft" {
		t.Fatalf("expected cached intent pushed, got %#v", pushed)
	}
	if pushed.CrdtUpdateB64 == "" {
		t.Fatalf("expected crdt state carried on create")
	}
}

func TestSyncPushPropagatesRawErrors(t *testing.T) {
	fx := newFixture(t)
	fx.remote.failWith = fmt.Errorf("%w: version mismatch", remote.ErrConflict)

	_, err := fx.repository.SyncPush(context.Background(), "server-1")
	if !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected raw ErrConflict, got %v", err)
	}
}

func TestRecordRemapRewritesCacheAndResolves(t *testing.T) {
	fx := newFixture(t)
	fx.remote.offline = true
	created, err := fx.repository.Create(context.Background(), CreateDocumentInput{
		Title:       "Offline Draft",
		SpaceID:     "space-1",
		ContentJSON: json.RawMessage(`{"text":"draft"}`),
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if err := fx.repository.RecordRemap(created.DocumentID, "server-77"); err != nil {
		t.Fatalf("unexpected remap error: %v", err)
	}

	if fx.repository.IsLocalID(created.DocumentID) {
		t.Fatalf("mapped id should no longer count as local")
	}
	resolved, err := fx.ledger.Resolve(created.DocumentID)
	if err != nil || resolved != "server-77" {
		t.Fatalf("expected resolution to server id, got %q err=%v", resolved, err)
	}
	if _, ok, _ := fx.cache.GetStale(created.DocumentID); ok {
		t.Fatalf("cache record should move to the server id")
	}
	if _, ok, _ := fx.cache.GetStale("server-77"); !ok {
		t.Fatalf("expected cache record under the server id")
	}
}

func TestLedgerResolveSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger_test.db")
	open := func() *Ledger {
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			t.Fatalf("unexpected open error: %v", err)
		}
		if err := db.AutoMigrate(&RemapRecord{}); err != nil {
			t.Fatalf("unexpected migrate error: %v", err)
		}
		ledger, err := NewLedger(LedgerConfig{Database: db})
		if err != nil {
			t.Fatalf("unexpected ledger error: %v", err)
		}
		return ledger
	}

	first := open()
	if err := first.Record("local-abc", "server-1"); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	second := open()
	resolved, err := second.Resolve("local-abc")
	if err != nil || resolved != "server-1" {
		t.Fatalf("expected persisted mapping, got %q err=%v", resolved, err)
	}
	resolved, err = second.Resolve("unmapped-id")
	if err != nil || resolved != "unmapped-id" {
		t.Fatalf("unmapped ids must resolve to themselves, got %q err=%v", resolved, err)
	}
}

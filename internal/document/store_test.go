package document

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestGetDocumentCreatesEmptyEntry(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := mustStore(t, fixedClock(createdAt))

	snapshot := store.GetDocument("doc-1")
	if snapshot.ID != "doc-1" {
		t.Fatalf("unexpected id %q", snapshot.ID)
	}
	if snapshot.HasState {
		t.Fatalf("fresh document should have no state")
	}
	if snapshot.IsDirty {
		t.Fatalf("fresh document should not be dirty")
	}
	if !snapshot.LastSyncedAt.Equal(createdAt) {
		t.Fatalf("timestamp should be stamped at creation, got %v", snapshot.LastSyncedAt)
	}
}

func TestMutationRefreshesTimestamp(t *testing.T) {
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := mustStore(t, func() time.Time { return current })
	store.GetDocument("doc-1")

	current = current.Add(5 * time.Minute)
	mustSetText(t, store, "doc-1", "edited")

	snapshot := store.GetDocument("doc-1")
	if !snapshot.LastSyncedAt.Equal(current) {
		t.Fatalf("mutation should refresh the timestamp, got %v", snapshot.LastSyncedAt)
	}
}

func TestSetTextMarksDocumentDirty(t *testing.T) {
	store := mustStore(t, nil)
	mustSetText(t, store, "doc-1", "hello")

	if !store.HasPendingChanges("doc-1") {
		t.Fatalf("expected document to be dirty after mutation")
	}
	if store.GetText("doc-1") != "hello" {
		t.Fatalf("unexpected text %q", store.GetText("doc-1"))
	}
}

func TestRepeatedMutationsKeepSingleDirtyFlag(t *testing.T) {
	store := mustStore(t, nil)
	mustSetText(t, store, "doc-1", "one")
	mustSetText(t, store, "doc-1", "two")
	mustSetText(t, store, "doc-1", "three")

	dirty := store.DirtyDocumentIDs()
	if len(dirty) != 1 || dirty[0] != "doc-1" {
		t.Fatalf("expected exactly one dirty id, got %v", dirty)
	}
	if store.GetText("doc-1") != "three" {
		t.Fatalf("expected latest text to win, got %q", store.GetText("doc-1"))
	}
}

func TestMarkSyncedClearsDirtyAndIsIdempotent(t *testing.T) {
	syncedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := mustStore(t, fixedClock(syncedAt))
	mustSetText(t, store, "doc-1", "content")

	store.MarkSynced("doc-1")
	store.MarkSynced("doc-1")

	if store.HasPendingChanges("doc-1") {
		t.Fatalf("expected dirty flag cleared")
	}
	snapshot := store.GetDocument("doc-1")
	if !snapshot.LastSyncedAt.Equal(syncedAt) {
		t.Fatalf("unexpected sync timestamp %v", snapshot.LastSyncedAt)
	}
	state := store.GetSyncState("doc-1")
	if state.Status != SyncStatusSuccess {
		t.Fatalf("expected success state, got %q", state.Status)
	}
}

func TestMergeRemoteDoesNotDirty(t *testing.T) {
	store := mustStore(t, nil)
	peer := mustStore(t, nil)
	mustSetText(t, peer, "doc-1", "server copy")

	if err := store.MergeRemote("doc-1", peer.EncodeDocument("doc-1")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	if store.HasPendingChanges("doc-1") {
		t.Fatalf("server-origin merge must not mark the document dirty")
	}
	if store.GetText("doc-1") != "server copy" {
		t.Fatalf("unexpected text %q", store.GetText("doc-1"))
	}
}

func TestMergeRemotePreservesExistingDirtyFlag(t *testing.T) {
	store := mustStore(t, nil)
	peer := mustStore(t, nil)
	mustSetText(t, store, "doc-1", "local edit")
	mustSetText(t, peer, "doc-1", "remote edit")

	if err := store.MergeRemote("doc-1", peer.EncodeDocument("doc-1")); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if !store.HasPendingChanges("doc-1") {
		t.Fatalf("local mutation should stay dirty through a remote merge")
	}
}

func TestMapAndArrayViews(t *testing.T) {
	store := mustStore(t, nil)
	if store.GetMap("doc-1", "metadata") != nil {
		t.Fatalf("expected nil view before state exists")
	}

	if err := store.SetMapKey("doc-1", "metadata", "title", json.RawMessage(`"My Doc"`)); err != nil {
		t.Fatalf("unexpected map error: %v", err)
	}
	if err := store.InsertArrayElement("doc-1", "blocks", "block-1", json.RawMessage(`"first block"`)); err != nil {
		t.Fatalf("unexpected array error: %v", err)
	}

	mapView := store.GetMap("doc-1", "metadata")
	if mapView == nil {
		t.Fatalf("expected map view")
	}
	value, ok := mapView.Get("title")
	if !ok || string(value) != `"My Doc"` {
		t.Fatalf("unexpected map value %s ok=%v", value, ok)
	}

	arrayView := store.GetArray("doc-1", "blocks")
	if arrayView == nil {
		t.Fatalf("expected array view")
	}
	items := arrayView.Items()
	if len(items) != 1 || string(items[0]) != `"first block"` {
		t.Fatalf("unexpected array items %v", items)
	}

	if store.GetArray("doc-1", "blocks") != arrayView {
		t.Fatalf("expected views to be reused per name")
	}
}

func TestApplyUpdateRejectsMalformedPayload(t *testing.T) {
	store := mustStore(t, nil)
	if err := store.ApplyUpdate("doc-1", []byte("not-json")); err == nil {
		t.Fatalf("expected error for malformed update")
	}
	if store.HasPendingChanges("doc-1") {
		t.Fatalf("rejected update must not dirty the document")
	}
}

func TestUpdateSyncStateValidation(t *testing.T) {
	store := mustStore(t, nil)

	if err := store.UpdateSyncState("doc-1", SyncStatusError, ""); err == nil {
		t.Fatalf("expected error status without message to be rejected")
	}
	if err := store.UpdateSyncState("doc-1", SyncStatus("bogus"), ""); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
	if err := store.UpdateSyncState("doc-1", SyncStatusError, "remote unavailable"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := store.GetSyncState("doc-1")
	if state.Status != SyncStatusError || state.ErrorMessage != "remote unavailable" {
		t.Fatalf("unexpected state %#v", state)
	}

	if err := store.UpdateSyncState("doc-1", SyncStatusSuccess, "stale message"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.GetSyncState("doc-1").ErrorMessage != "" {
		t.Fatalf("non-error status should clear the error message")
	}
}

func TestUpdatesStreamDeliversEvents(t *testing.T) {
	store := mustStore(t, nil)
	events, cancel := store.Updates(context.Background())
	defer cancel()

	mustSetText(t, store, "doc-1", "hello")

	select {
	case event := <-events:
		if event.DocumentID != "doc-1" || event.Field != FieldText {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update event")
	}
}

func TestSubscribersOnlySeeEventsAfterSubscribing(t *testing.T) {
	store := mustStore(t, nil)
	mustSetText(t, store, "doc-1", "before subscription")

	events, cancel := store.Updates(context.Background())
	defer cancel()

	mustSetText(t, store, "doc-2", "after subscription")

	select {
	case event := <-events:
		if event.DocumentID != "doc-2" {
			t.Fatalf("expected no replay of earlier events, got %#v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update event")
	}
}

func TestSyncStateChangesStream(t *testing.T) {
	store := mustStore(t, nil)
	states, cancel := store.SyncStateChanges(context.Background())
	defer cancel()

	if err := store.UpdateSyncState("doc-1", SyncStatusSyncing, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case state := <-states:
		if state.DocumentID != "doc-1" || state.Status != SyncStatusSyncing {
			t.Fatalf("unexpected state %#v", state)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for sync state event")
	}
}

func TestRenameMovesStateAndBadge(t *testing.T) {
	store := mustStore(t, nil)
	mustSetText(t, store, "local-abc", "draft")
	if err := store.UpdateSyncState("local-abc", SyncStatusSyncing, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.Rename("local-abc", "server-123")

	if store.GetText("server-123") != "draft" {
		t.Fatalf("expected state to move to the new id")
	}
	if store.GetText("local-abc") != "" {
		t.Fatalf("old id should no longer hold state")
	}
	if !store.HasPendingChanges("server-123") {
		t.Fatalf("dirty flag should move with the rename")
	}
	state := store.GetSyncState("server-123")
	if state.Status != SyncStatusSyncing || state.DocumentID != "server-123" {
		t.Fatalf("unexpected badge after rename %#v", state)
	}
}

func TestDeleteDocumentForgetsState(t *testing.T) {
	store := mustStore(t, nil)
	mustSetText(t, store, "doc-1", "to be deleted")

	store.DeleteDocument("doc-1")
	store.DeleteDocument("doc-1")

	if store.HasPendingChanges("doc-1") {
		t.Fatalf("deleted document should not be dirty")
	}
	if store.GetDocument("doc-1").HasState {
		t.Fatalf("deleted document should be recreated empty")
	}
}

func TestDisposeStopsMutations(t *testing.T) {
	store := mustStore(t, nil)
	store.Dispose()
	store.Dispose()

	if err := store.SetText("doc-1", "too late"); !errors.Is(err, ErrStoreDisposed) {
		t.Fatalf("expected ErrStoreDisposed, got %v", err)
	}
}

package document

import (
	"testing"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/crdt"
)

func mustStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Actor:          "device-test",
		PayloadFactory: crdt.NewPayload,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	t.Cleanup(store.Dispose)
	return store
}

func mustSetText(t *testing.T, store *Store, documentID, text string) {
	t.Helper()
	if err := store.SetText(documentID, text); err != nil {
		t.Fatalf("unexpected set text error: %v", err)
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

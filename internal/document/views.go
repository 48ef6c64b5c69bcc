package document

import (
	"encoding/json"

	"github.com/inkwellhq/inkwell-sync/internal/crdt"
)

// ArrayView is a live, lazily computed read view over a named CRDT array.
// It stays bound to the document payload, so reads always reflect the
// latest merged state.
type ArrayView struct {
	name     string
	provider crdt.ViewProvider
}

// Name returns the array name the view is bound to.
func (view *ArrayView) Name() string {
	return view.name
}

// Items returns the live elements in converged order.
func (view *ArrayView) Items() []json.RawMessage {
	return view.provider.ArrayItems(view.name)
}

// Len returns the number of live elements.
func (view *ArrayView) Len() int {
	return len(view.provider.ArrayItems(view.name))
}

// MapView is a live, lazily computed read view over a named CRDT map.
type MapView struct {
	name     string
	provider crdt.ViewProvider
}

// Name returns the map name the view is bound to.
func (view *MapView) Name() string {
	return view.name
}

// Get returns the value stored under key and whether it exists.
func (view *MapView) Get(key string) (json.RawMessage, bool) {
	entries := view.provider.MapEntries(view.name)
	value, ok := entries[key]
	return value, ok
}

// Entries returns a snapshot of all live entries.
func (view *MapView) Entries() map[string]json.RawMessage {
	return view.provider.MapEntries(view.name)
}

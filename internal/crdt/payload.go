package crdt

import (
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidStateVector indicates that a state vector payload could not be decoded.
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
)

// Payload is an opaque mergeable document state. The sync core treats the
// merge algorithm as a black box so any update-based CRDT can sit behind it.
type Payload interface {
	// ApplyUpdate merges an encoded update into the payload. Applying the
	// same update twice must be a no-op and application order must not
	// affect the converged state.
	ApplyUpdate(update []byte) error
	// StateVector returns a compact summary of the updates this payload has
	// already incorporated.
	StateVector() []byte
	// Encode serializes the full payload as a single update that any replica
	// can merge.
	Encode() []byte
}

// Factory constructs an empty payload for a newly materialized document.
type Factory func() Payload

// ViewProvider exposes derived read views over a payload. Payload
// implementations may choose not to provide it; consumers must tolerate its
// absence.
type ViewProvider interface {
	Text() string
	MapEntries(name string) map[string]json.RawMessage
	ArrayItems(name string) []json.RawMessage
}

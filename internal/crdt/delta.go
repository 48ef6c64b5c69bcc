package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

const (
	opKindText  = "text"
	opKindMap   = "map"
	opKindArray = "array"
)

// Stamp orders concurrent writes: higher lamport wins, ties broken by actor.
type Stamp struct {
	Lamport uint64 `json:"lamport"`
	Actor   string `json:"actor"`
}

func (stamp Stamp) after(other Stamp) bool {
	if stamp.Lamport != other.Lamport {
		return stamp.Lamport > other.Lamport
	}
	return stamp.Actor > other.Actor
}

// Op is one replicated mutation inside an update.
type Op struct {
	Kind      string          `json:"kind"`
	Name      string          `json:"name,omitempty"`
	Key       string          `json:"key,omitempty"`
	ElementID string          `json:"element_id,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Stamp     Stamp           `json:"stamp"`
}

// Update is the wire form accepted by ApplyUpdate.
type Update struct {
	Ops []Op `json:"ops"`
}

type register struct {
	Value json.RawMessage `json:"value"`
	Stamp Stamp           `json:"stamp"`
}

type element struct {
	Value     json.RawMessage `json:"value"`
	Tombstone bool            `json:"tombstone"`
	Stamp     Stamp           `json:"stamp"`
}

// DeltaPayload is an op-log CRDT with a last-writer-wins text register, named
// last-writer-wins maps, and named add-wins arrays. Convergence holds because
// every register merge is a deterministic maximum over stamps.
type DeltaPayload struct {
	mu      sync.RWMutex
	text    register
	maps    map[string]map[string]register
	arrays  map[string]map[string]element
	version map[string]uint64
}

// NewDeltaPayload returns an empty payload.
func NewDeltaPayload() *DeltaPayload {
	return &DeltaPayload{
		maps:    make(map[string]map[string]register),
		arrays:  make(map[string]map[string]element),
		version: make(map[string]uint64),
	}
}

// NewPayload is the Factory for DeltaPayload.
func NewPayload() Payload {
	return NewDeltaPayload()
}

// ApplyUpdate merges an encoded update into the payload.
func (payload *DeltaPayload) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	var decoded Update
	if err := json.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	// Validate every op before merging any, so a rejected update never
	// leaves partially applied state behind.
	for _, op := range decoded.Ops {
		if op.Stamp.Actor == "" {
			return fmt.Errorf("%w: op missing actor", ErrInvalidUpdate)
		}
		switch op.Kind {
		case opKindText, opKindMap, opKindArray:
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrInvalidUpdate, op.Kind)
		}
	}

	payload.mu.Lock()
	defer payload.mu.Unlock()
	for _, op := range decoded.Ops {
		switch op.Kind {
		case opKindText:
			payload.mergeText(op)
		case opKindMap:
			payload.mergeMap(op)
		case opKindArray:
			payload.mergeArray(op)
		}
		if op.Stamp.Lamport > payload.version[op.Stamp.Actor] {
			payload.version[op.Stamp.Actor] = op.Stamp.Lamport
		}
	}
	return nil
}

func (payload *DeltaPayload) mergeText(op Op) {
	if op.Stamp.after(payload.text.Stamp) {
		payload.text = register{Value: op.Value, Stamp: op.Stamp}
	}
}

func (payload *DeltaPayload) mergeMap(op Op) {
	entries, ok := payload.maps[op.Name]
	if !ok {
		entries = make(map[string]register)
		payload.maps[op.Name] = entries
	}
	existing, exists := entries[op.Key]
	if !exists || op.Stamp.after(existing.Stamp) {
		if op.Tombstone {
			entries[op.Key] = register{Value: nil, Stamp: op.Stamp}
		} else {
			entries[op.Key] = register{Value: op.Value, Stamp: op.Stamp}
		}
	}
}

func (payload *DeltaPayload) mergeArray(op Op) {
	elements, ok := payload.arrays[op.Name]
	if !ok {
		elements = make(map[string]element)
		payload.arrays[op.Name] = elements
	}
	existing, exists := elements[op.ElementID]
	if !exists || op.Stamp.after(existing.Stamp) {
		elements[op.ElementID] = element{Value: op.Value, Tombstone: op.Tombstone, Stamp: op.Stamp}
	}
}

// StateVector returns the per-actor high-water marks as JSON.
func (payload *DeltaPayload) StateVector() []byte {
	payload.mu.RLock()
	defer payload.mu.RUnlock()
	encoded, err := json.Marshal(payload.version)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

// Encode serializes the winning registers as one mergeable update.
func (payload *DeltaPayload) Encode() []byte {
	payload.mu.RLock()
	defer payload.mu.RUnlock()

	ops := make([]Op, 0)
	if payload.text.Stamp.Actor != "" {
		ops = append(ops, Op{Kind: opKindText, Value: payload.text.Value, Stamp: payload.text.Stamp})
	}
	for name, entries := range payload.maps {
		for key, entry := range entries {
			ops = append(ops, Op{
				Kind:      opKindMap,
				Name:      name,
				Key:       key,
				Value:     entry.Value,
				Tombstone: entry.Value == nil,
				Stamp:     entry.Stamp,
			})
		}
	}
	for name, elements := range payload.arrays {
		for elementID, entry := range elements {
			ops = append(ops, Op{
				Kind:      opKindArray,
				Name:      name,
				ElementID: elementID,
				Value:     entry.Value,
				Tombstone: entry.Tombstone,
				Stamp:     entry.Stamp,
			})
		}
	}
	sort.Slice(ops, func(left, right int) bool {
		if ops[left].Stamp.Lamport != ops[right].Stamp.Lamport {
			return ops[left].Stamp.Lamport < ops[right].Stamp.Lamport
		}
		return ops[left].Stamp.Actor < ops[right].Stamp.Actor
	})

	encoded, err := json.Marshal(Update{Ops: ops})
	if err != nil {
		return []byte(`{"ops":[]}`)
	}
	return encoded
}

// ParseStateVector decodes a state vector produced by StateVector back into
// per-actor high-water marks.
func ParseStateVector(encoded []byte) (map[string]uint64, error) {
	if len(encoded) == 0 {
		return map[string]uint64{}, nil
	}
	var vector map[string]uint64
	if err := json.Unmarshal(encoded, &vector); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	return vector, nil
}

// NextLamport returns a lamport value strictly above everything merged so far.
func (payload *DeltaPayload) NextLamport() uint64 {
	payload.mu.RLock()
	defer payload.mu.RUnlock()
	var highest uint64
	for _, lamport := range payload.version {
		if lamport > highest {
			highest = lamport
		}
	}
	return highest + 1
}

// Text returns the current text register value.
func (payload *DeltaPayload) Text() string {
	payload.mu.RLock()
	defer payload.mu.RUnlock()
	if payload.text.Value == nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(payload.text.Value, &value); err != nil {
		return ""
	}
	return value
}

// MapEntries returns the live (non-tombstoned) entries of a named map.
func (payload *DeltaPayload) MapEntries(name string) map[string]json.RawMessage {
	payload.mu.RLock()
	defer payload.mu.RUnlock()
	entries := make(map[string]json.RawMessage)
	for key, entry := range payload.maps[name] {
		if entry.Value == nil {
			continue
		}
		entries[key] = entry.Value
	}
	return entries
}

// ArrayItems returns the live elements of a named array ordered by stamp.
func (payload *DeltaPayload) ArrayItems(name string) []json.RawMessage {
	payload.mu.RLock()
	defer payload.mu.RUnlock()
	type stamped struct {
		id    string
		value json.RawMessage
		stamp Stamp
	}
	live := make([]stamped, 0)
	for elementID, entry := range payload.arrays[name] {
		if entry.Tombstone {
			continue
		}
		live = append(live, stamped{id: elementID, value: entry.Value, stamp: entry.Stamp})
	}
	sort.Slice(live, func(left, right int) bool {
		if live[left].stamp.Lamport != live[right].stamp.Lamport {
			return live[left].stamp.Lamport < live[right].stamp.Lamport
		}
		if live[left].stamp.Actor != live[right].stamp.Actor {
			return live[left].stamp.Actor < live[right].stamp.Actor
		}
		return live[left].id < live[right].id
	})
	items := make([]json.RawMessage, 0, len(live))
	for _, entry := range live {
		items = append(items, entry.value)
	}
	return items
}

// NewTextUpdate builds an update that sets the text register.
func NewTextUpdate(actor string, lamport uint64, text string) ([]byte, error) {
	value, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Update{Ops: []Op{{
		Kind:  opKindText,
		Value: value,
		Stamp: Stamp{Lamport: lamport, Actor: actor},
	}}})
}

// NewMapSetUpdate builds an update that sets one key of a named map.
func NewMapSetUpdate(actor string, lamport uint64, name, key string, value json.RawMessage) ([]byte, error) {
	return json.Marshal(Update{Ops: []Op{{
		Kind:  opKindMap,
		Name:  name,
		Key:   key,
		Value: value,
		Stamp: Stamp{Lamport: lamport, Actor: actor},
	}}})
}

// NewArrayInsertUpdate builds an update that inserts one element into a named array.
func NewArrayInsertUpdate(actor string, lamport uint64, name, elementID string, value json.RawMessage) ([]byte, error) {
	return json.Marshal(Update{Ops: []Op{{
		Kind:      opKindArray,
		Name:      name,
		ElementID: elementID,
		Value:     value,
		Stamp:     Stamp{Lamport: lamport, Actor: actor},
	}}})
}

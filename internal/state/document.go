package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Top-level keys of the shared document.
const (
	KeyBackground   = "background"
	KeyLayout       = "layout"
	KeyPayments     = "payments"
	KeySecurity     = "security"
	KeyTents        = "tents"
	KeyReservations = "reservations"
	KeyCategories   = "categories"
	KeyLogs         = "logs"
	// KeyTouch carries a timestamp written only to bump the revision (map refresh).
	KeyTouch = "__touch"
)

var (
	// ErrNotObject indicates that a stored or submitted value is not a JSON object.
	ErrNotObject = errors.New("state: document is not a json object")
	// ErrInvalidValue indicates that a field value could not be encoded as JSON.
	ErrInvalidValue = errors.New("state: invalid field value")
)

// LocalProjectionKeys lists the fields mirrored into the local cache.
var LocalProjectionKeys = []string{KeyTents, KeyReservations, KeyPayments, KeyBackground, KeyLayout, KeySecurity}

// Document is the shared state held as raw JSON values keyed by top-level field.
// Keys the typed model does not know about survive every merge untouched.
type Document map[string]json.RawMessage

// DecodeDocument parses a stored value. A missing or null value yields an empty document.
func DecodeDocument(raw json.RawMessage) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Document{}, nil
	}
	if trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var document Document
	if err := json.Unmarshal(trimmed, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if document == nil {
		document = Document{}
	}
	return document, nil
}

// ShallowMerge returns a new document holding every key of base, with each key present in
// patch replacing the base value wholesale. Nested objects are never merged recursively.
func ShallowMerge(base, patch Document) Document {
	merged := make(Document, len(base)+len(patch))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range patch {
		merged[key] = value
	}
	return merged
}

// Clone copies the document map. Values are immutable byte slices and are shared.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	cloned := make(Document, len(d))
	for key, value := range d {
		cloned[key] = value
	}
	return cloned
}

// Encode serializes the document; a nil document encodes as an empty object.
func (d Document) Encode() (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage("{}"), nil
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// Put encodes value as JSON and stores it under key.
func (d Document) Put(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}
	d[key] = encoded
	return nil
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Keys returns the top-level keys in lexical order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Project returns a document restricted to the provided keys.
func (d Document) Project(keys ...string) Document {
	projected := make(Document, len(keys))
	for _, key := range keys {
		if value, ok := d[key]; ok {
			projected[key] = value
		}
	}
	return projected
}

// DecodeField unmarshals the value at key into target and reports whether the key was present.
func (d Document) DecodeField(key string, target any) (bool, error) {
	value, ok := d[key]
	if !ok || len(bytes.TrimSpace(value)) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return true, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// Validate reports values that decoding would silently repair. Only tents are checked.
func (d Document) Validate() error {
	value, ok := d[KeyTents]
	if !ok || len(bytes.TrimSpace(value)) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return nil
	}
	return ValidateTents(value)
}

// Decode builds the typed view of the document. Absent fields stay at their zero value.
func (d Document) Decode() (SharedState, error) {
	var shared SharedState
	fields := []struct {
		key    string
		target any
	}{
		{KeyBackground, &shared.Background},
		{KeyLayout, &shared.Layout},
		{KeyPayments, &shared.Payments},
		{KeySecurity, &shared.Security},
		{KeyTents, &shared.Tents},
		{KeyReservations, &shared.Reservations},
		{KeyCategories, &shared.Categories},
		{KeyLogs, &shared.Logs},
	}
	for _, field := range fields {
		if _, err := d.DecodeField(field.key, field.target); err != nil {
			return SharedState{}, err
		}
	}
	for index := range shared.Reservations {
		if shared.Reservations[index].Status == "" {
			shared.Reservations[index].Status = ReservationPending
		}
	}
	return shared, nil
}

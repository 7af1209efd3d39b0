// Package kv provides the key-value backends the gateway proxies to.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNotConfigured indicates that the backend lacks its endpoint or credential.
	ErrNotConfigured = errors.New("kv: store not configured")
	// ErrEmptyKey indicates a blank key.
	ErrEmptyKey = errors.New("kv: key is required")
	// ErrInvalidValue indicates a value that is not valid JSON.
	ErrInvalidValue = errors.New("kv: value must be valid json")
	// ErrNotInteger indicates an increment against a non-integer value.
	ErrNotInteger = errors.New("kv: value is not an integer")
	// ErrUpstream indicates a failure reported by the hosted store.
	ErrUpstream = errors.New("kv: upstream failure")
)

// Store is the minimal surface the gateway needs. Get returns a nil value and no error
// when the key does not exist.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Incr(ctx context.Context, key string) (int64, error)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

func validateValue(value json.RawMessage) error {
	if len(bytes.TrimSpace(value)) == 0 || !json.Valid(value) {
		return ErrInvalidValue
	}
	return nil
}

// normalizeStored turns raw stored bytes into JSON. Values written by other tools as plain
// strings come back as JSON strings.
func normalizeStored(stored []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stored)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return append(json.RawMessage(nil), trimmed...)
	}
	quoted, err := json.Marshal(string(stored))
	if err != nil {
		return nil
	}
	return quoted
}

func isNull(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

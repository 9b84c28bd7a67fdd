// Package storage provides the content-addressed store that holds task
// artifacts and collaboration records. Only the content hash goes on
// chain; record bodies live here.
package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ErrNotFound is returned when no content exists for a hash.
var ErrNotFound = errors.New("content not found")

// ContentStore is the interface for content-addressed backends.
type ContentStore interface {
	// Pin stores a blob and returns its content hash.
	Pin(ctx context.Context, data []byte) (string, error)

	// Get retrieves a blob by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)

	// Exists reports whether the hash is pinned.
	Exists(ctx context.Context, hash string) (bool, error)
}

// ContentHash derives the store's hash for a blob: "Qm" followed by the
// first 44 hex digits of sha3-256.
func ContentHash(data []byte) string {
	sum := sha3.Sum256(data)
	return "Qm" + hex.EncodeToString(sum[:])[:44]
}

// PinJSON marshals v and pins the resulting document. Go's encoder emits
// struct fields in declaration order and map keys sorted, so callers
// control canonical form through their types.
func PinJSON(ctx context.Context, store ContentStore, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal content: %w", err)
	}
	return store.Pin(ctx, data)
}

// GetJSON retrieves and unmarshals a pinned document.
func GetJSON(ctx context.Context, store ContentStore, hash string, v interface{}) error {
	data, err := store.Get(ctx, hash)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal content %s: %w", hash, err)
	}
	return nil
}

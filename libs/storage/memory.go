package storage

import (
	"context"
	"sync"
)

// Memory is an in-process content store for tests and mock-mode runs.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Pin stores the blob under its content hash.
func (m *Memory) Pin(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

// Get retrieves a blob by hash.
func (m *Memory) Get(ctx context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether the hash is pinned.
func (m *Memory) Exists(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

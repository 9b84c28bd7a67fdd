package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// File is a filesystem-backed content store. Blobs are written once under
// their content hash and never rewritten.
type File struct {
	basePath string
	logger   *zap.Logger
}

// NewFile creates a file-backed store rooted at basePath.
func NewFile(basePath string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	logger.Info("file content store initialized", zap.String("base_path", basePath))
	return &File{basePath: basePath, logger: logger}, nil
}

// Pin writes the blob under its content hash.
func (f *File) Pin(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	path := filepath.Join(f.basePath, hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write content: %w", err)
	}

	f.logger.Debug("content pinned",
		zap.String("hash", hash),
		zap.Int("size", len(data)),
	)
	return hash, nil
}

// Get reads a blob by content hash.
func (f *File) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	return data, nil
}

// Exists reports whether the hash is pinned.
func (f *File) Exists(ctx context.Context, hash string) (bool, error) {
	if _, err := os.Stat(filepath.Join(f.basePath, hash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat content: %w", err)
	}
	return true, nil
}

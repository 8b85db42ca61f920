package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"slidegen/internal/domain"
)

// FileStore persists generated audio onto the local filesystem. It is the
// default when no object storage is configured and is served back through the
// API's /static route.
type FileStore struct {
	basePath  string
	publicURL string
}

// NewFileStore initializes a FileStore rooted at basePath. References handed
// out by Save are publicURL joined with the key.
func NewFileStore(basePath, publicURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Save writes data under key and returns the public reference for it.
func (s *FileStore) Save(ctx context.Context, key string, data []byte, _ string) (string, error) {
	cleanKey, err := s.Write(ctx, key, data)
	if err != nil {
		return "", err
	}
	return PublicURL(s.publicURL, cleanKey), nil
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return cleanKey, nil
}

// Download reads the object stored at key. Missing files map to
// domain.ErrNotFound.
func (s *FileStore) Download(ctx context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: %s: %w", cleanKey, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// PublicURL joins a base URL and a storage key. An empty base yields the key.
func PublicURL(base, key string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return key
	}
	return base + "/" + strings.TrimLeft(key, "/")
}

// SanitizeKey normalizes a key and prevents escaping the storage root.
func SanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage: invalid key: %w", domain.ErrInvalidRequest)
	}
	return cleaned, nil
}

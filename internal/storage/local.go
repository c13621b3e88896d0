package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local stores uploaded files on the local filesystem under a base
// directory. Keys may contain subdirectories ("<user>/<uuid>.pdf").
type Local struct {
	basePath string
}

func NewLocal(basePath string) (*Local, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		basePath = "data/uploads"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory failed: %w", err)
	}
	return &Local{basePath: basePath}, nil
}

// Save writes the data and returns the stored path.
func (l *Local) Save(key string, data []byte) (string, error) {
	path := filepath.Join(l.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create upload directory failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload failed: %w", err)
	}
	return path, nil
}

func (l *Local) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete upload failed: %w", err)
	}
	return nil
}

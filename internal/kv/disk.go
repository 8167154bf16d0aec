package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStorage keeps one file per key under a root directory. Used when
// running without redis (pure local mode) and in tests.
type DiskStorage struct {
	root string
}

func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %q: %w", root, err)
	}
	return &DiskStorage{root: root}, nil
}

func (s *DiskStorage) path(key string) string {
	// storage keys are [a-zA-Z0-9_-] but be safe about separators anyway
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "-")
	return filepath.Join(s.root, safe+".json")
}

func (s *DiskStorage) Get(_ context.Context, key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %q: %w", key, err)
	}
	return string(data), nil
}

func (s *DiskStorage) Set(_ context.Context, key, value string) error {
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	return nil
}

package labs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore is a filesystem-backed ObjectStore rooted at a single directory.
// Suitable for development and single-node deployments; swap in a bucket
// store behind the same interface for anything larger.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed and returns a DirStore.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

// path maps a storage key to a file path, rejecting traversal outside root.
func (d *DirStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *DirStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

func (d *DirStore) Put(_ context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return nil
}

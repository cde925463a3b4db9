// Package cache provides the persistent key->bytes stores backing the
// elevation and tile fetchers. Entries are immutable once written and survive
// across runs; the store is the durability layer over rate-limited remote
// services.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the injected cache abstraction used by the network-facing
// components. Implementations must be safe for concurrent use; Put must be
// idempotent for the same key and must never expose a torn entry to readers.
type Store interface {
	// Get returns the payload for key and whether it was present.
	Get(key string) ([]byte, bool, error)
	// Put persists the payload under key.
	Put(key string, data []byte) error
}

// DirStore is an on-disk Store rooted at a single directory, one file per
// entry. Writes go to a temp file in the same directory followed by a rename,
// so concurrent writers of the same key race benignly and readers never see a
// partial entry. The file mtime records the fetch time.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed and returns a store rooted there.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *DirStore) Dir() string {
	return s.dir
}

// Get implements Store.
func (s *DirStore) Get(key string) ([]byte, bool, error) {
	path, err := s.entryPath(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	return data, true, nil
}

// Put implements Store.
func (s *DirStore) Put(key string, data []byte) error {
	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp entry for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing cache entry %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing cache entry %s: %w", key, err)
	}
	return nil
}

// entryPath maps a key to a file path, rejecting keys that would escape the
// cache directory. Slashes in keys (tile coordinates) become dashes.
func (s *DirStore) entryPath(key string) (string, error) {
	name := strings.ReplaceAll(key, "/", "-")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `\`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, name), nil
}

// Package blob implements external image storage for clipboard entries whose
// bytes are too large (or configured) to live inline in the database row.
// Files are written under a root directory, namespaced per user and keyed
// by a fresh UUID per entry.
package blob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store writes and deletes image blobs under a root directory laid out as
// {root}/images/{userId}/{uuid}.png.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory need not exist yet.
func New(root string) *Store {
	return &Store{root: root}
}

const filePerm = 0o640
const dirPerm = 0o750

// Put writes data as a new PNG blob for userID and returns its path, which is
// always relative to root and safe to persist in ClipboardEntry.ExternalStoragePath.
func (s *Store) Put(userID string, data []byte) (relPath string, err error) {
	dir := filepath.Join(s.root, "images", userID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("blob: create dir: %w", err)
	}

	name := uuid.NewString() + ".png"
	abs := filepath.Join(dir, name)
	if err := os.WriteFile(abs, data, filePerm); err != nil {
		return "", fmt.Errorf("blob: write file: %w", err)
	}
	return filepath.Join("images", userID, name), nil
}

// Get reads the blob at relPath (as returned by Put).
func (s *Store) Get(relPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return nil, fmt.Errorf("blob: read file: %w", err)
	}
	return data, nil
}

// Delete removes the blob at relPath. Best-effort: a missing file is not an
// error.
func (s *Store) Delete(relPath string) error {
	if relPath == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.root, relPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove file: %w", err)
	}
	return nil
}

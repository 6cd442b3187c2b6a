// Package fsutil holds the file primitives the connect flow relies on:
// staged writes that never leave a half-written destination and removals
// that treat a missing file as already done.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to a temporary file next to path, flushes it and
// renames it over path. Missing parent directories are created first.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// The draft lives in the destination directory so the rename never
	// crosses a mount point.
	draft, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create draft for %s: %w", path, err)
	}
	defer os.Remove(draft.Name())
	defer draft.Close()

	if _, err := draft.Write(data); err != nil {
		return fmt.Errorf("failed to write draft for %s: %w", path, err)
	}
	if err := draft.Sync(); err != nil {
		return fmt.Errorf("failed to sync draft for %s: %w", path, err)
	}
	if err := draft.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions on draft for %s: %w", path, err)
	}
	if err := draft.Close(); err != nil {
		return fmt.Errorf("failed to close draft for %s: %w", path, err)
	}

	if err := os.Rename(draft.Name(), path); err != nil {
		return fmt.Errorf("failed to move draft into place at %s: %w", path, err)
	}
	return nil
}

// RemoveIfExists deletes path. A path that is already gone is not an error.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to remove %s: %w", path, err)
}

// Exists reports whether something is present at path. Only a missing path
// counts as absent; any other stat failure is returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect %s: %w", path, err)
}

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicCreatesParentsAndLeavesNoDraft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "bridge.conf")

	require.NoError(t, WriteAtomic(path, []byte("connection edge_to_c8y\n"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "connection edge_to_c8y\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "draft file must not survive the rename")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWriteAtomicReplacesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, WriteAtomic(path, []byte("old content that is longer"), 0o644))
	require.NoError(t, WriteAtomic(path, []byte("new"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRemoveIfExistsIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.conf")
	require.NoError(t, RemoveIfExists(path))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	exists, err := Exists(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, RemoveIfExists(path))
	exists, err = Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, RemoveIfExists(path))
}

func TestExistsReportsStatFailures(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	// A regular file in the middle of the path fails with ENOTDIR.
	exists, err := Exists(filepath.Join(file, "bridge.conf"))
	assert.Error(t, err)
	assert.False(t, exists)
}

package fsx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStat(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "audio_abc123.mp3")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0644))

	info, err := Stat(file)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.False(t, info.IsDirectory)
	assert.Equal(t, int64(5), info.Size)

	info, err = Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDirectory)

	info, err = Stat(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestEnsureDirIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	info, err := Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDirectory)
}

func TestRemoveToleratesMissing(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	require.NoError(t, Remove(file))
	require.NoError(t, Remove(file))
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("123"), 0644))
	require.NoError(t, EnsureDir(filepath.Join(dir, "sub")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("4567"), 0644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)

	size, err = DirSize(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, size)
}

package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesUnknownFile(t *testing.T) {
	fs := New()
	fs.Open("new.txt", ModeWrite)
	require.NoError(t, fs.Write("new.txt", "hello"))

	lines, ok := fs.Get("new.txt")
	require.True(t, ok)
	assert.Equal(t, []string{"hello"}, lines)
}

func TestWriteTruncates(t *testing.T) {
	fs := New()
	fs.Put("f.txt", []string{"old 1", "old 2"})
	fs.Open("f.txt", ModeWrite)
	require.NoError(t, fs.Write("f.txt", "new"))

	lines, _ := fs.Get("f.txt")
	assert.Equal(t, []string{"new"}, lines)
}

func TestAppendPreservesContent(t *testing.T) {
	fs := New()
	fs.Put("f.txt", []string{"one"})
	fs.Open("f.txt", ModeAppend)
	require.NoError(t, fs.Write("f.txt", "two"))

	lines, _ := fs.Get("f.txt")
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestReadResetsCursorAndAdvances(t *testing.T) {
	fs := New()
	fs.Put("f.txt", []string{"a", "b"})
	fs.Open("f.txt", ModeRead)

	line, err := fs.Read("f.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", line)

	line, err = fs.Read("f.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", line)

	_, err = fs.Read("f.txt")
	assert.ErrorIs(t, err, ErrPastEOF)

	// Re-opening for READ starts over.
	fs.Open("f.txt", ModeRead)
	line, err = fs.Read("f.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", line)
}

func TestReadWrongMode(t *testing.T) {
	fs := New()
	fs.Open("f.txt", ModeWrite)
	_, err := fs.Read("f.txt")
	assert.ErrorIs(t, err, ErrNotOpenForRead)
}

func TestReadClosedFile(t *testing.T) {
	fs := New()
	fs.Put("f.txt", []string{"a"})
	_, err := fs.Read("f.txt")
	assert.ErrorIs(t, err, ErrNotOpenForRead)
}

func TestWriteWrongMode(t *testing.T) {
	fs := New()
	fs.Open("f.txt", ModeRead)
	err := fs.Write("f.txt", "x")
	assert.ErrorIs(t, err, ErrNotOpenForWrite)
}

func TestEOF(t *testing.T) {
	fs := New()
	assert.True(t, fs.EOF("missing.txt"), "unknown file is at EOF")

	fs.Put("f.txt", []string{"a"})
	assert.True(t, fs.EOF("f.txt"), "closed file is at EOF")

	fs.Open("f.txt", ModeRead)
	assert.False(t, fs.EOF("f.txt"))

	_, err := fs.Read("f.txt")
	require.NoError(t, err)
	assert.True(t, fs.EOF("f.txt"))
}

func TestCloseClearsMode(t *testing.T) {
	fs := New()
	fs.Open("f.txt", ModeWrite)
	fs.Close("f.txt")
	assert.ErrorIs(t, fs.Write("f.txt", "x"), ErrNotOpenForWrite)

	// Closing an unknown file is a no-op.
	fs.Close("ghost.txt")
}

func TestListAndSnapshot(t *testing.T) {
	fs := New()
	fs.Put("b.txt", []string{"2"})
	fs.Put("a.txt", []string{"1"})

	assert.Equal(t, []string{"a.txt", "b.txt"}, fs.List())

	snap := fs.Snapshot()
	assert.Equal(t, map[string][]string{"a.txt": {"1"}, "b.txt": {"2"}}, snap)

	// The snapshot is a copy.
	snap["a.txt"][0] = "mutated"
	lines, _ := fs.Get("a.txt")
	assert.Equal(t, []string{"1"}, lines)
}

func TestLoadFromMissingDirIsNil(t *testing.T) {
	fs := New()
	assert.NoError(t, fs.LoadFrom(filepath.Join(t.TempDir(), "nope")))
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := New()
	fs.Put("data.txt", []string{"Line 1", "Line 2"})
	fs.Put("empty.txt", nil)
	require.NoError(t, fs.PersistTo(dir))

	raw, err := os.ReadFile(filepath.Join(dir, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Line 1\nLine 2\n", string(raw))

	loaded := New()
	require.NoError(t, loaded.LoadFrom(dir))
	lines, ok := loaded.Get("data.txt")
	require.True(t, ok)
	assert.Equal(t, []string{"Line 1", "Line 2"}, lines)

	empty, ok := loaded.Get("empty.txt")
	require.True(t, ok)
	assert.Empty(t, empty)
}

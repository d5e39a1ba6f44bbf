package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoversSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCovers(dir)
	require.NoError(t, err)

	_, ok, err := c.Load("101")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := c.Save("101", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "101", "cover.jpg"), p)

	data, ok, err := c.Load("101")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("jpeg"), data)

	entries, err := os.ReadDir(filepath.Join(dir, "101"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}

func TestCoversRejectsBadIDs(t *testing.T) {
	c, err := NewCovers(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../etc", "a/b"} {
		_, err := c.Save(id, []byte("x"))
		assert.Error(t, err, id)
	}
}

func TestCoversTooLarge(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCovers(dir)
	require.NoError(t, err)

	_, err = c.Save("1", make([]byte, MaxCoverBytes+1))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, ok, err := c.Load("1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewCoversEmptyDir(t *testing.T) {
	_, err := NewCovers("")
	assert.Error(t, err)
}

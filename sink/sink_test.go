package sink

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{"relative", "data.txt", "data.txt", nil},
		{"nested", "./a/b/../c.txt", "a/c.txt", nil},
		{"absolute", "/tmp/x", "/tmp/x", nil},
		{"escape", "../etc/passwd", "", ErrDirectoryTraversal},
		{"deep escape", "a/../../b", "", ErrDirectoryTraversal},
		{"dots in name", "a..b.txt", "a..b.txt", nil},
		{"empty", "", "", ErrEmptyPath},
		{"too long", strings.Repeat("a", 5000), "", ErrPathTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePath(tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")

	w, err := Open(path, ModeWrite)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("world"), 6)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("hello "), 0)
	require.NoError(t, err)
	size, err := w.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)
	require.NoError(t, w.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 8)
	n, err := r.ReadAt(buf, 6)
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "world", string(buf[:n]))
	assert.Equal(t, path, r.Path())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), ModeRead)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = Open("../outside", ModeReadWrite)
	assert.ErrorIs(t, err, ErrDirectoryTraversal)
}

func TestMemory(t *testing.T) {
	m := NewMemory([]byte("abc"))

	buf := make([]byte, 2)
	n, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.ReadAt(buf, 2)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = m.ReadAt(buf, 3)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = m.WriteAt([]byte("xy"), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0, 'x', 'y'}, m.Bytes())
	assert.Equal(t, 1, m.Writes(5))
	assert.Equal(t, 0, m.Writes(0))

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), size)

	boom := errors.New("boom")
	m.FailSize(boom)
	_, err = m.Size()
	assert.ErrorIs(t, err, boom)
}

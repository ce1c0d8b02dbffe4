package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/wim/internal/wim"
)

func TestCaptureDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), make([]byte, 100000), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty"), nil, 0644))

	res, err := Dir(root, "test")
	require.NoError(t, err)

	assert.Equal(t, "test", res.Info.Name)
	assert.Equal(t, uint64(3), res.Info.FileCount)
	assert.Equal(t, uint64(2), res.Info.DirCount) // root + sub
	assert.Equal(t, uint64(11+100000), res.Info.TotalBytes)

	byHash := make(map[wim.ID]*wim.Stream)
	for _, s := range res.Streams {
		byHash[s.Hash] = s
	}
	s, ok := byHash[wim.Hash([]byte("hello world"))]
	require.True(t, ok)
	assert.Equal(t, uint64(11), s.Size)

	_, ok = byHash[wim.Hash(nil)]
	assert.True(t, ok, "empty file stream missing")
}

func TestCaptureHardLinks(t *testing.T) {
	root := t.TempDir()
	orig := filepath.Join(root, "orig")
	require.NoError(t, os.WriteFile(orig, []byte("shared contents"), 0644))
	require.NoError(t, os.Link(orig, filepath.Join(root, "link")))

	res, err := Dir(root, "")
	require.NoError(t, err)

	// Both names count as files, but the content is captured once with a
	// doubled reference count.
	assert.Equal(t, uint64(2), res.Info.FileCount)
	require.Len(t, res.Streams, 1)
	assert.Equal(t, uint32(2), res.Streams[0].RefCount)
}

func TestCaptureSymlink(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "target"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("target", filepath.Join(root, "link")))

	res, err := Dir(root, "")
	require.NoError(t, err)

	var found bool
	for _, s := range res.Streams {
		if s.Hash.Equal(wim.Hash([]byte("target"))) {
			found = true
			src, ok := s.Source.(*wim.BufferSource)
			require.True(t, ok)
			assert.Equal(t, "target", string(src.Data))
		}
	}
	assert.True(t, found, "symlink target stream missing")
}

func TestCaptureMissingDir(t *testing.T) {
	_, err := Dir(filepath.Join(t.TempDir(), "nope"), "")
	assert.ErrorIs(t, err, wim.ErrOpen)
}

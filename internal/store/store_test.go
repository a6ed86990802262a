package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/internal/blob"
)

func newStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := Load(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImportBytesAndRead(t *testing.T) {
	s := newStore(t)

	hash, err := s.ImportBytes([]byte("hello blob"))
	require.NoError(t, err)
	assert.Equal(t, blob.Sum([]byte("hello blob")), hash)
	assert.True(t, s.Has(hash))

	size, err := s.Size(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	data, err := s.ReadAll(hash)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))

	// importing again is a no-op
	again, err := s.ImportBytes([]byte("hello blob"))
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestMissingBlob(t *testing.T) {
	s := newStore(t)
	missing := blob.Sum([]byte("nope"))

	assert.False(t, s.Has(missing))
	_, err := s.Size(missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Open(missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportFileByReference(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	hash, size, err := s.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)
	assert.Equal(t, blob.Sum([]byte("0123456789")), hash)

	// nothing was copied into the store
	_, err = os.Stat(s.dataPath(hash))
	assert.True(t, os.IsNotExist(err))

	data, err := s.ReadAll(hash)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	// growing the source invalidates the reference
	require.NoError(t, os.WriteFile(path, []byte("0123456789abc"), 0o644))
	_, _, err = s.Open(hash)
	assert.ErrorIs(t, err, ErrBlobChanged)
}

func TestImportFileHonoursContext(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.ImportFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriterCommitVerifiesHash(t *testing.T) {
	s := newStore(t)
	content := []byte("verified content")
	hash := blob.Sum(content)

	w, err := s.Create(hash, uint64(len(content)))
	require.NoError(t, err)
	_, err = w.Write(content[:5])
	require.NoError(t, err)
	_, err = w.Write(content[5:])
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	assert.True(t, s.Has(hash))
	_, err = os.Stat(s.partialPath(hash))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterRejectsWrongContent(t *testing.T) {
	s := newStore(t)
	hash := blob.Sum([]byte("expected"))

	w, err := s.Create(hash, 8)
	require.NoError(t, err)
	_, err = w.Write([]byte("tampered"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Commit(), ErrHashMismatch)
	assert.False(t, s.Has(hash))

	_, err = os.Stat(s.partialPath(hash))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterRejectsOversize(t *testing.T) {
	s := newStore(t)
	hash := blob.Sum([]byte("abc"))

	w, err := s.Create(hash, 3)
	require.NoError(t, err)
	_, err = w.Write([]byte("abcd"))
	assert.ErrorIs(t, err, ErrSizeMismatch)
	w.Abort()

	w, err = s.Create(hash, 3)
	require.NoError(t, err)
	_, err = w.Write([]byte("ab"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Commit(), ErrSizeMismatch)
}

func TestExportModes(t *testing.T) {
	for _, mode := range []ExportMode{ExportCopy, ExportTryReference} {
		t.Run(mode.String(), func(t *testing.T) {
			s := newStore(t)
			hash, err := s.ImportBytes([]byte("exported"))
			require.NoError(t, err)

			target := filepath.Join(t.TempDir(), "nested", "out.txt")
			require.NoError(t, s.Export(context.Background(), hash, target, mode))

			data, err := os.ReadFile(target)
			require.NoError(t, err)
			assert.Equal(t, "exported", string(data))
		})
	}
}

func TestExportSurvivesStoreRemoval(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	s, err := Load(dir)
	require.NoError(t, err)
	hash, err := s.ImportBytes([]byte("keep me"))
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, s.Export(context.Background(), hash, target, ExportTryReference))
	require.NoError(t, s.Close())
	require.NoError(t, os.RemoveAll(dir))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestExportNeverOverwrites(t *testing.T) {
	s := newStore(t)
	hash, err := s.ImportBytes([]byte("new"))
	require.NoError(t, err)

	base := t.TempDir()
	existingFile := filepath.Join(base, "file.txt")
	require.NoError(t, os.WriteFile(existingFile, []byte("old"), 0o644))
	existingDir := filepath.Join(base, "dir")
	require.NoError(t, os.Mkdir(existingDir, 0o755))

	for _, mode := range []ExportMode{ExportCopy, ExportTryReference} {
		err := s.Export(context.Background(), hash, existingFile, mode)
		assert.ErrorIs(t, err, ErrDestinationExists)
		err = s.Export(context.Background(), hash, existingDir, mode)
		assert.ErrorIs(t, err, ErrDestinationExists)
	}

	data, err := os.ReadFile(existingFile)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestReopenKeepsIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := Load(dir)
	require.NoError(t, err)
	hash, err := s.ImportBytes([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Load(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Has(hash))
}

func TestCollectionThroughStore(t *testing.T) {
	s := newStore(t)
	a, err := s.ImportBytes([]byte("aaaaaaaaaa"))
	require.NoError(t, err)
	b, err := s.ImportBytes([]byte("bbbbbbbbbbbbbbbbbbbb"))
	require.NoError(t, err)

	c := &blob.Collection{}
	require.NoError(t, c.Push("dir/a.txt", a))
	require.NoError(t, c.Push("dir/sub/b.txt", b))
	root, err := c.Store(s)
	require.NoError(t, err)

	loaded, err := blob.LoadCollection(s, root)
	require.NoError(t, err)
	assert.Equal(t, c.Entries(), loaded.Entries())
}

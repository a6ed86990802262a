package store

import (
	"fmt"
	"hash"
	"os"

	"peerdrop/internal/blob"
)

// BlobWriter receives the bytes of one blob. The blob becomes visible only
// after Commit has verified its size and hash.
type BlobWriter struct {
	store   *FSStore
	hash    blob.Hash
	size    uint64
	file    *os.File
	hasher  hash.Hash
	written uint64
	closed  bool
}

// Write appends p, refusing to grow past the declared size
func (w *BlobWriter) Write(p []byte) (int, error) {
	if w.written+uint64(len(p)) > w.size {
		return 0, fmt.Errorf("%w: %s declared %d bytes, got at least %d",
			ErrSizeMismatch, w.hash.Short(), w.size, w.written+uint64(len(p)))
	}
	n, err := w.file.Write(p)
	w.hasher.Write(p[:n])
	w.written += uint64(n)
	return n, err
}

// Written returns the number of bytes accepted so far
func (w *BlobWriter) Written() uint64 {
	return w.written
}

// Commit verifies the blob and moves it into place
func (w *BlobWriter) Commit() error {
	if w.written != w.size {
		w.Abort()
		return fmt.Errorf("%w: %s declared %d bytes, got %d", ErrSizeMismatch, w.hash.Short(), w.size, w.written)
	}
	if got := blob.HashFromSum(w.hasher.Sum(nil)); got != w.hash {
		w.Abort()
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, w.hash.Short(), got.Short())
	}

	if err := w.file.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.closed = true
		w.Abort()
		return fmt.Errorf("failed to close blob: %w", err)
	}
	w.closed = true

	if err := os.Rename(w.store.partialPath(w.hash), w.store.dataPath(w.hash)); err != nil {
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return w.store.save(&blobRecord{
		Hash: w.hash.String(),
		Size: w.size,
	})
}

// Abort discards the partial blob
func (w *BlobWriter) Abort() {
	if !w.closed {
		w.file.Close()
		w.closed = true
	}
	os.Remove(w.store.partialPath(w.hash))
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/blob"
)

// ExportMode selects how blob bytes reach the target path
type ExportMode int

const (
	// ExportCopy always writes a full copy
	ExportCopy ExportMode = iota
	// ExportTryReference prefers a reflink, then a hard link, then a copy
	ExportTryReference
)

func (m ExportMode) String() string {
	switch m {
	case ExportCopy:
		return "copy"
	case ExportTryReference:
		return "try-reference"
	default:
		return "unknown"
	}
}

var errReflinkUnsupported = errors.New("reflink not supported")

// Export materialises a blob at target. An existing target, file or
// directory, is never touched and yields ErrDestinationExists.
func (s *FSStore) Export(ctx context.Context, hash blob.Hash, target string, mode ExportMode) error {
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%w: %s", ErrDestinationExists, target)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", target, err)
	}

	src, _, err := s.Open(hash)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", target, err)
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "FSStore.Export",
		"hash":     hash.Short(),
		"target":   target,
	})

	if mode == ExportTryReference {
		err := reflink(src, target)
		if err == nil {
			log.Debug("Exported by reflink")
			return nil
		}
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDestinationExists, target)
		}

		err = os.Link(src.Name(), target)
		if err == nil {
			log.Debug("Exported by hard link")
			return nil
		}
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDestinationExists, target)
		}
		log.WithError(err).Debug("Reference export unavailable, copying")
	}

	if err := copyFile(ctx, src, target); err != nil {
		return err
	}
	log.Debug("Exported by copy")
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func copyFile(ctx context.Context, src *os.File, target string) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind blob: %w", err)
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrDestinationExists, target)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(dst, ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		os.Remove(target)
		return fmt.Errorf("failed to copy to %s: %w", target, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(target)
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	return nil
}

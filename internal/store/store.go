// Package store is a filesystem backed content-addressed blob store. Blob
// metadata lives in a sqlite index; owned blob bytes live under data/.
// Imported files can be referenced in place instead of copied.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peerdrop/internal/blob"
)

const (
	indexFile = "index.db"
	dataDir   = "data"

	importChunkSize = 64 * 1024
)

var (
	ErrNotFound          = errors.New("blob not found")
	ErrDestinationExists = errors.New("destination already exists")
	ErrBlobChanged       = errors.New("referenced file changed since import")
	ErrSizeMismatch      = errors.New("blob size mismatch")
	ErrHashMismatch      = errors.New("blob hash mismatch")
)

// blobRecord is one row of the blob index
type blobRecord struct {
	Hash      string `gorm:"primaryKey;size:64"`
	Size      uint64
	Path      string `gorm:"size:4096"`
	External  bool
	CreatedAt time.Time
}

func (blobRecord) TableName() string { return "blobs" }

// FSStore is a blob store rooted at a directory
type FSStore struct {
	root string
	db   *gorm.DB
}

// Load opens the store in dir, creating it when needed
func Load(dir string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, indexFile)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob index: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access blob index: %w", err)
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&blobRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate blob index: %w", err)
	}

	return &FSStore{root: dir, db: db}, nil
}

// Root returns the directory backing the store
func (s *FSStore) Root() string {
	return s.root
}

// Close releases the index
func (s *FSStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *FSStore) dataPath(hash blob.Hash) string {
	return filepath.Join(s.root, dataDir, hash.String()+".data")
}

func (s *FSStore) partialPath(hash blob.Hash) string {
	return filepath.Join(s.root, dataDir, hash.String()+".partial")
}

func (s *FSStore) record(hash blob.Hash) (*blobRecord, error) {
	var rec blobRecord
	err := s.db.Where("hash = ?", hash.String()).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob index: %w", err)
	}
	return &rec, nil
}

func (s *FSStore) save(rec *blobRecord) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("failed to update blob index: %w", err)
	}
	return nil
}

// Has reports whether a complete blob is present
func (s *FSStore) Has(hash blob.Hash) bool {
	_, err := s.record(hash)
	return err == nil
}

// Size returns the size of a stored blob
func (s *FSStore) Size(hash blob.Hash) (uint64, error) {
	rec, err := s.record(hash)
	if err != nil {
		return 0, err
	}
	return rec.Size, nil
}

// sourcePath returns the file holding the blob bytes
func (s *FSStore) sourcePath(rec *blobRecord) string {
	if rec.External {
		return rec.Path
	}
	return filepath.Join(s.root, dataDir, rec.Hash+".data")
}

// Open returns a reader over the blob and its size. Referenced files are
// checked against the size recorded at import time.
func (s *FSStore) Open(hash blob.Hash) (*os.File, uint64, error) {
	rec, err := s.record(hash)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(s.sourcePath(rec))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", hash.Short(), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat blob %s: %w", hash.Short(), err)
	}
	if uint64(info.Size()) != rec.Size {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrBlobChanged, rec.Path)
	}
	return f, rec.Size, nil
}

// ReadAll loads a whole blob into memory
func (s *FSStore) ReadAll(hash blob.Hash) ([]byte, error) {
	f, _, err := s.Open(hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ImportBytes stores data as an owned blob
func (s *FSStore) ImportBytes(data []byte) (blob.Hash, error) {
	hash := blob.Sum(data)
	if s.Has(hash) {
		return hash, nil
	}

	w, err := s.Create(hash, uint64(len(data)))
	if err != nil {
		return blob.Hash{}, err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return blob.Hash{}, err
	}
	if err := w.Commit(); err != nil {
		return blob.Hash{}, err
	}
	return hash, nil
}

// ImportFile hashes the file at path and records it by reference. The file
// bytes are not copied, so the file must stay in place while the blob is
// served.
func (s *FSStore) ImportFile(ctx context.Context, path string) (blob.Hash, uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return blob.Hash{}, 0, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return blob.Hash{}, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	hasher := blob.NewHasher()
	buf := make([]byte, importChunkSize)
	var size uint64
	for {
		if err := ctx.Err(); err != nil {
			return blob.Hash{}, 0, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			size += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return blob.Hash{}, 0, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	hash := blob.HashFromSum(hasher.Sum(nil))
	rec := &blobRecord{
		Hash:     hash.String(),
		Size:     size,
		Path:     abs,
		External: true,
	}
	if err := s.save(rec); err != nil {
		return blob.Hash{}, 0, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "FSStore.ImportFile",
		"path":     abs,
		"hash":     hash.Short(),
		"size":     size,
	}).Debug("Imported file by reference")

	return hash, size, nil
}

// Create starts writing an owned blob that must hash to hash and be exactly
// size bytes long
func (s *FSStore) Create(hash blob.Hash, size uint64) (*BlobWriter, error) {
	f, err := os.OpenFile(s.partialPath(hash), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial blob: %w", err)
	}
	return &BlobWriter{
		store:  s,
		hash:   hash,
		size:   size,
		file:   f,
		hasher: blob.NewHasher(),
	}, nil
}

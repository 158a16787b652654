// Package filesystem implements the object store on a local directory, for
// single-node deployments and tests.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmarkov/reelvault/internal/objectstore"
)

// Store implements objectstore.ObjectStore on a local directory.
type Store struct {
	baseDir string
	baseURL string
}

// New creates a filesystem object store rooted at baseDir. baseURL, if set,
// is the public prefix used for read URLs.
func New(baseDir, baseURL string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("object directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	slog.Info("filesystem object store initialized", "dir", baseDir)

	return &Store{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// resolve validates the key and returns the absolute path under baseDir.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsRune(key, '\x00') {
		return "", fmt.Errorf("null bytes not allowed in key")
	}

	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal not allowed in key")
	}

	return filepath.Join(s.baseDir, cleaned), nil
}

// Put writes the object with the atomic temp-then-rename pattern, hashing
// the bytes as they stream through.
func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, string, error) {
	filePath, err := s.resolve(key)
	if err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	tempPath := filePath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	var succeeded bool
	defer func() {
		tempFile.Close()
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	written, err := io.Copy(tempFile, io.TeeReader(reader, hasher))
	if err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	if size > 0 && written != size {
		return "", "", objectstore.NewStoreError("Put", key,
			fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", size, written))
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))

	if err := tempFile.Close(); err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	succeeded = true
	slog.Debug("object stored",
		"key", key,
		"size", written,
		"hash", checksum[:16]+"...",
	)

	return key, checksum, nil
}

// Open returns a reader for a stored object.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := s.resolve(key)
	if err != nil {
		return nil, objectstore.NewStoreError("Open", key, err)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, objectstore.NewStoreError("Open", key, err)
	}

	return file, nil
}

// Exists checks whether an object is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := s.resolve(key)
	if err != nil {
		return false, objectstore.NewStoreError("Exists", key, err)
	}

	_, err = os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, objectstore.NewStoreError("Exists", key, err)
	}

	return true, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	filePath, err := s.resolve(key)
	if err != nil {
		return objectstore.NewStoreError("Delete", key, err)
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return objectstore.NewStoreError("Delete", key, err)
	}

	return nil
}

// SignedReadURL returns the public URL for an object. The filesystem backend
// has no signing; the TTL is ignored and an error is returned when no base
// URL is configured.
func (s *Store) SignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", objectstore.NewStoreError("SignedReadURL", key, err)
	}
	if s.baseURL == "" {
		return "", objectstore.NewStoreError("SignedReadURL", key,
			fmt.Errorf("no base URL configured"))
	}

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return s.baseURL + "/" + strings.Join(segments, "/"), nil
}

// Ping verifies the base directory is accessible.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.baseDir); err != nil {
		return fmt.Errorf("failed to access object directory: %w", err)
	}
	return nil
}

var _ objectstore.ObjectStore = (*Store)(nil)

// Package chunkstore manages staged chunk files on local disk. Chunks live
// under <dataDir>/.partial/<sessionID>/chunk_<index> until assembly.
package chunkstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// assembleBufferSize is the buffer size for chunk assembly (8MB).
// Reduces syscall overhead when streaming large files.
const assembleBufferSize = 8 * 1024 * 1024

// Store stages chunk files for in-flight upload sessions.
type Store struct {
	dataDir string
}

// New creates a chunk store rooted at dataDir and ensures the staging
// directory exists.
func New(dataDir string) (*Store, error) {
	s := &Store{dataDir: dataDir}
	if err := os.MkdirAll(s.partialDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return s, nil
}

func (s *Store) partialDir() string {
	return filepath.Join(s.dataDir, ".partial")
}

// SessionDir returns the staging directory for a session's chunks.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.partialDir(), sessionID)
}

// ChunkPath returns the file path for a specific chunk.
func (s *Store) ChunkPath(sessionID string, index int) string {
	return filepath.Join(s.SessionDir(sessionID), fmt.Sprintf("chunk_%d", index))
}

// Validation errors returned by Save. A failed validation leaves any
// previously accepted bytes for the index untouched.
var (
	ErrSizeMismatch     = errors.New("chunk size does not match declared size")
	ErrChecksumMismatch = errors.New("chunk checksum does not match declared checksum")
)

// Save streams a chunk to a temp file, validates it, and renames it into
// place, replacing any previous bytes for the same index. declaredSize < 0
// skips the size check; an empty expectedChecksum skips the checksum check.
// Returns the byte count and hex SHA-256 of what was written.
func (s *Store) Save(sessionID string, index int, r io.Reader, declaredSize int64, expectedChecksum string) (int64, string, error) {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create session directory: %w", err)
	}

	path := s.ChunkPath(sessionID, index)
	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create chunk file: %w", err)
	}

	var committed bool
	defer func() {
		file.Close()
		if !committed {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), r)
	if err != nil {
		return 0, "", fmt.Errorf("failed to write chunk data: %w", err)
	}

	if declaredSize >= 0 && written != declaredSize {
		return 0, "", fmt.Errorf("%w: declared %d, got %d", ErrSizeMismatch, declaredSize, written)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if expectedChecksum != "" && !strings.EqualFold(checksum, expectedChecksum) {
		return 0, "", fmt.Errorf("%w: declared %s, got %s", ErrChecksumMismatch, expectedChecksum, checksum)
	}

	if err := file.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close chunk file: %w", err)
	}

	// Intentionally no fsync: chunks are resumable if the server crashes,
	// the OS flushes asynchronously.

	if err := os.Rename(tempPath, path); err != nil {
		return 0, "", fmt.Errorf("failed to commit chunk file: %w", err)
	}
	committed = true

	slog.Debug("chunk saved",
		"session_id", sessionID,
		"chunk_index", index,
		"size", written,
		"path", path,
	)

	return written, checksum, nil
}

// Exists reports whether a chunk is on disk and its size.
func (s *Store) Exists(sessionID string, index int) (bool, int64, error) {
	info, err := os.Stat(s.ChunkPath(sessionID, index))
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to stat chunk file: %w", err)
	}
	return true, info.Size(), nil
}

// Missing returns the sorted indices in [0, totalChunks) that are not on disk.
func (s *Store) Missing(sessionID string, totalChunks int) ([]int, error) {
	var missing []int
	for i := 0; i < totalChunks; i++ {
		exists, _, err := s.Exists(sessionID, i)
		if err != nil {
			return nil, fmt.Errorf("failed to check chunk %d: %w", i, err)
		}
		if !exists {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// Indices returns the sorted chunk indices present on disk for a session.
func (s *Store) Indices(sessionID string) ([]int, error) {
	entries, err := os.ReadDir(s.SessionDir(sessionID))
	if os.IsNotExist(err) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(entry.Name(), "chunk_%d", &idx); err != nil {
			continue
		}
		// Exact match filters out leftover .tmp files.
		if entry.Name() != fmt.Sprintf("chunk_%d", idx) {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	return indices, nil
}

// VerifyIntegrity checks that every chunk exists with the expected size.
// The last chunk may be short; all others must equal chunkSize.
func (s *Store) VerifyIntegrity(sessionID string, totalChunks int, chunkSize, totalSize int64) error {
	for i := 0; i < totalChunks; i++ {
		exists, size, err := s.Exists(sessionID, i)
		if err != nil {
			return fmt.Errorf("failed to check chunk %d: %w", i, err)
		}
		if !exists {
			return fmt.Errorf("chunk %d is missing", i)
		}

		expected := chunkSize
		if i == totalChunks-1 {
			expected = totalSize - int64(totalChunks-1)*chunkSize
		}
		if size != expected {
			return fmt.Errorf("chunk %d has incorrect size: expected %d, got %d", i, expected, size)
		}
	}
	return nil
}

// Assemble streams all chunks for a session into w in index order. The
// caller must have verified completeness first; a missing chunk aborts the
// stream. Returns the total bytes written.
func (s *Store) Assemble(w io.Writer, sessionID string, totalChunks int) (int64, error) {
	startTime := time.Now()

	writer := bufio.NewWriterSize(w, assembleBufferSize)

	var total int64
	for i := 0; i < totalChunks; i++ {
		chunkFile, err := os.Open(s.ChunkPath(sessionID, i))
		if err != nil {
			return total, fmt.Errorf("failed to open chunk %d: %w", i, err)
		}

		n, err := io.Copy(writer, chunkFile)
		chunkFile.Close()
		if err != nil {
			return total, fmt.Errorf("failed to copy chunk %d: %w", i, err)
		}
		total += n

		if (i+1)%100 == 0 || i == totalChunks-1 {
			slog.Debug("chunk assembly progress",
				"session_id", sessionID,
				"chunks_processed", i+1,
				"total_chunks", totalChunks,
				"bytes_written", total,
			)
		}
	}

	if err := writer.Flush(); err != nil {
		return total, fmt.Errorf("failed to flush assembled stream: %w", err)
	}

	duration := time.Since(startTime)
	slog.Info("chunk assembly stream complete",
		"session_id", sessionID,
		"total_chunks", totalChunks,
		"total_bytes", total,
		"duration_ms", duration.Milliseconds(),
	)

	return total, nil
}

// ReadHead reads up to n bytes from the first chunk, for content sniffing.
func (s *Store) ReadHead(sessionID string, n int) ([]byte, error) {
	file, err := os.Open(s.ChunkPath(sessionID, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to open first chunk: %w", err)
	}
	defer file.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read first chunk: %w", err)
	}

	return buf[:read], nil
}

// Delete removes the session's chunk directory. Missing is not an error.
func (s *Store) Delete(sessionID string) error {
	dir := s.SessionDir(sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete chunk directory: %w", err)
	}

	slog.Debug("chunks deleted", "session_id", sessionID, "path", dir)

	return nil
}

// TotalSize returns the combined size of a session's staged chunks.
func (s *Store) TotalSize(sessionID string) (int64, error) {
	entries, err := os.ReadDir(s.SessionDir(sessionID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session directory: %w", err)
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, fmt.Errorf("failed to get file info: %w", err)
		}
		total += info.Size()
	}

	return total, nil
}

// SessionDirs lists the session ids that currently have staging directories,
// used to detect orphaned chunk directories.
func (s *Store) SessionDirs() ([]string, error) {
	entries, err := os.ReadDir(s.partialDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	return ids, nil
}

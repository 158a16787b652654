// Package objectstore abstracts the durable store that assembled files land
// in. Backends exist for S3-compatible services and the local filesystem.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectStore defines the interface for final object storage.
type ObjectStore interface {
	// Put streams the assembled object to storage under key. Returns the
	// final location string recorded on the session and the SHA-256 hash of
	// the stored content.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (location string, hash string, err error)

	// Open returns a reader for a stored object. The caller closes it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// SignedReadURL returns a time-limited URL for reading an object.
	SignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Ping verifies the backend is reachable, used at startup and by health
	// checks.
	Ping(ctx context.Context) error
}

// StoreError wraps backend failures with the operation and key involved.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError with the given details.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

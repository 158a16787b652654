package testutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/objectstore"
	"github.com/tmarkov/reelvault/internal/progress"
)

// MockObjectStore is an in-memory object store for tests. It can be told to
// fail the next Put to exercise assembly failure paths.
type MockObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

// NewMockObjectStore creates an empty in-memory object store.
func NewMockObjectStore() *MockObjectStore {
	return &MockObjectStore{objects: make(map[string][]byte)}
}

// FailNextPut makes the next Put call return err.
func (m *MockObjectStore) FailNextPut(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// Object returns the stored bytes for a key.
func (m *MockObjectStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *MockObjectStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, string, error) {
	m.mu.Lock()
	err := m.putErr
	m.putErr = nil
	m.mu.Unlock()

	if err != nil {
		// Drain the reader so pipe-based callers do not block.
		io.Copy(io.Discard, reader)
		return "", "", err
	}

	data, readErr := io.ReadAll(reader)
	if readErr != nil {
		return "", "", readErr
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()

	sum := sha256.Sum256(data)
	return key, hex.EncodeToString(sum[:]), nil
}

func (m *MockObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.Object(key)
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.Object(key)
	return ok, nil
}

func (m *MockObjectStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MockObjectStore) SignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://example.com/signed/" + key, nil
}

func (m *MockObjectStore) Ping(ctx context.Context) error {
	return nil
}

var _ objectstore.ObjectStore = (*MockObjectStore)(nil)

// RecordingBroadcaster wraps a Hub and records every published event so
// tests can assert on the stream.
type RecordingBroadcaster struct {
	*progress.Hub

	mu     sync.Mutex
	events []models.ProgressEvent
}

// NewRecordingBroadcaster creates a recording broadcaster.
func NewRecordingBroadcaster() *RecordingBroadcaster {
	return &RecordingBroadcaster{Hub: progress.NewHub()}
}

func (r *RecordingBroadcaster) Publish(event models.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.Hub.Publish(event)
}

// Events returns a copy of everything published so far.
func (r *RecordingBroadcaster) Events() []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

// EventsOfType filters recorded events by type.
func (r *RecordingBroadcaster) EventsOfType(eventType string) []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

var _ progress.Broadcaster = (*RecordingBroadcaster)(nil)

// Package utils provides shared helpers: the in-flight operation tracker,
// disk space checks, and input validation.
package utils

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// UploadTracker tracks in-flight chunk uploads and assembly workers so
// shutdown can drain them before the process exits. It also serializes
// work per key: a second upload of the same (session, index) and a second
// assembly of the same session are refused while the first is in flight.
type UploadTracker struct {
	mu               sync.RWMutex
	active           map[string]*activeOp
	activeAssemblies map[string]time.Time
	wg               sync.WaitGroup
	assemblyWg       sync.WaitGroup
	shuttingDown     atomic.Bool
	shutdownCh       chan struct{}
}

// activeOp represents one in-flight chunk upload.
type activeOp struct {
	SessionID  string
	ChunkIndex int
	StartTime  time.Time
}

// NewUploadTracker creates a new UploadTracker.
func NewUploadTracker() *UploadTracker {
	return &UploadTracker{
		active:           make(map[string]*activeOp),
		activeAssemblies: make(map[string]time.Time),
		shutdownCh:       make(chan struct{}),
	}
}

func opKey(sessionID string, chunkIndex int) string {
	return sessionID + "/" + strconv.Itoa(chunkIndex)
}

// StartChunk registers an in-flight chunk upload. Returns false if the
// server is shutting down, or if the same (session, index) is already in
// flight: the staging path for an index is deterministic, so a second
// concurrent writer would interleave with the first.
func (ut *UploadTracker) StartChunk(sessionID string, chunkIndex int) bool {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	// Checked inside the lock to avoid racing BeginShutdown.
	if ut.shuttingDown.Load() {
		return false
	}

	key := opKey(sessionID, chunkIndex)
	if _, inFlight := ut.active[key]; inFlight {
		return false
	}

	ut.active[key] = &activeOp{
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
		StartTime:  time.Now(),
	}
	ut.wg.Add(1)

	return true
}

// FinishChunk marks a chunk upload as completed.
func (ut *UploadTracker) FinishChunk(sessionID string, chunkIndex int) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	key := opKey(sessionID, chunkIndex)
	if _, exists := ut.active[key]; exists {
		delete(ut.active, key)
		ut.wg.Done()
	} else {
		slog.Warn("FinishChunk called for unknown operation",
			"session_id", sessionID,
			"chunk_index", chunkIndex,
		)
	}
}

// StartAssembly registers an assembly worker. Returns false if the server is
// shutting down or an assembly for this session is already running.
func (ut *UploadTracker) StartAssembly(sessionID string) bool {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if ut.shuttingDown.Load() {
		return false
	}
	if _, inFlight := ut.activeAssemblies[sessionID]; inFlight {
		return false
	}

	ut.activeAssemblies[sessionID] = time.Now()
	ut.assemblyWg.Add(1)
	slog.Debug("assembly started", "session_id", sessionID)
	return true
}

// FinishAssembly marks an assembly worker as completed.
func (ut *UploadTracker) FinishAssembly(sessionID string) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if _, exists := ut.activeAssemblies[sessionID]; exists {
		delete(ut.activeAssemblies, sessionID)
		ut.assemblyWg.Done()
		slog.Debug("assembly finished", "session_id", sessionID)
	} else {
		slog.Warn("FinishAssembly called for unknown session", "session_id", sessionID)
	}
}

// ActiveCount returns the number of in-flight chunk uploads.
func (ut *UploadTracker) ActiveCount() int {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return len(ut.active)
}

// IsShuttingDown returns true if the server is in shutdown mode.
func (ut *UploadTracker) IsShuttingDown() bool {
	return ut.shuttingDown.Load()
}

// ShutdownCh returns a channel closed when shutdown begins.
func (ut *UploadTracker) ShutdownCh() <-chan struct{} {
	return ut.shutdownCh
}

// BeginShutdown signals that the server is shutting down. New chunk uploads
// and assemblies are rejected after this call.
func (ut *UploadTracker) BeginShutdown() {
	if ut.shuttingDown.CompareAndSwap(false, true) {
		close(ut.shutdownCh)
		slog.Info("upload tracker: shutdown initiated, rejecting new work",
			"active_chunks", ut.ActiveCount(),
		)
	}
}

// Drain waits for in-flight chunk uploads and assembly workers to complete,
// up to the timeout. Returns true if everything finished.
func (ut *UploadTracker) Drain(timeout time.Duration) bool {
	ut.BeginShutdown()

	done := make(chan struct{})
	go func() {
		ut.wg.Wait()
		ut.assemblyWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("upload tracker: all in-flight work completed")
		return true
	case <-time.After(timeout):
		slog.Warn("upload tracker: timeout waiting for in-flight work",
			"remaining_chunks", ut.ActiveCount(),
		)
		return false
	}
}

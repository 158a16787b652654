// Package repository defines the data access interfaces for the session store.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/tmarkov/reelvault/internal/models"
)

// Sentinel errors returned by session mutations. Handlers map these to
// stable HTTP error codes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionClosed   = errors.New("session closed")
)

// ChunkOutcome reports the session state immediately after a chunk record
// was inserted. AssemblyTriggered is true for exactly one call per session:
// the one whose insertion completed the chunk set and won the
// uploading -> assembling transition.
type ChunkOutcome struct {
	ReceivedCount     int
	TotalChunks       int
	Complete          bool
	AssemblyTriggered bool
}

// SessionRepository defines the interface for upload session persistence.
// Implementations must make RecordChunk an atomic read-modify-write per
// session: insert the record, recompute the received count, and perform the
// status transition in one transaction.
type SessionRepository interface {
	// Create inserts a new session record with status "uploading".
	Create(ctx context.Context, session *models.UploadSession) error

	// Get retrieves a session by id, applying lazy expiry: a session past
	// expires_at still in "uploading" is transitioned to "expired" before
	// being returned. Returns nil, nil if not found.
	Get(ctx context.Context, sessionID string) (*models.UploadSession, error)

	// RecordChunk atomically upserts a chunk record and recomputes the
	// received count. Re-recording an index overwrites the record without
	// changing the count. If the insertion brings the count to total_chunks
	// the session is transitioned to "assembling" in the same transaction;
	// AssemblyTriggered is set only on the call that won that transition.
	// Returns ErrSessionNotFound, ErrSessionExpired, or ErrSessionClosed
	// without mutating anything when the session cannot accept chunks.
	RecordChunk(ctx context.Context, sessionID string, record models.ChunkRecord) (*ChunkOutcome, error)

	// ReceivedIndices returns the sorted chunk indices recorded so far.
	ReceivedIndices(ctx context.Context, sessionID string) ([]int, error)

	// ChunkRecords returns all chunk records for a session, ordered by index.
	ChunkRecords(ctx context.Context, sessionID string) ([]models.ChunkRecord, error)

	// TryLockForAssembly atomically re-locks a session for assembly.
	// Used by operator retries and startup recovery: transitions
	// "assembling" or "failed" back to a fresh "assembling" with a new
	// assembly_started_at. Returns false if the session is in any other
	// state (missing, still uploading, or already terminal-successful).
	TryLockForAssembly(ctx context.Context, sessionID string) (bool, error)

	// SetAssemblyCompleted records the final object location and transitions
	// the session to "completed". Only applies while the session is
	// "assembling"; returns ErrSessionClosed otherwise so a stale worker
	// cannot rewrite a terminal outcome.
	SetAssemblyCompleted(ctx context.Context, sessionID, finalLocation, contentType string) error

	// SetAssemblyFailed records the assembly error and transitions the
	// session to "failed". Same status guard as SetAssemblyCompleted.
	SetAssemblyFailed(ctx context.Context, sessionID, errorMessage string) error

	// ExpiredSessions returns sessions still in "uploading" whose expires_at
	// has passed, for the reaper.
	ExpiredSessions(ctx context.Context) ([]models.UploadSession, error)

	// MarkExpired transitions a session from "uploading" to "expired".
	// Returns false if the session was not in "uploading".
	MarkExpired(ctx context.Context, sessionID string) (bool, error)

	// StalledAssemblies returns sessions stuck in "assembling" whose
	// assembly_started_at is older than the stall window.
	StalledAssemblies(ctx context.Context, stall time.Duration) ([]models.UploadSession, error)

	// TerminalBefore returns terminal sessions whose expires_at predates the
	// retention cutoff, for retention cleanup.
	TerminalBefore(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error)

	// Delete removes a session and its chunk records.
	Delete(ctx context.Context, sessionID string) error

	// AllSessionIDs returns every session id as a set, used for orphaned
	// chunk-directory detection without N+1 queries.
	AllSessionIDs(ctx context.Context) (map[string]bool, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

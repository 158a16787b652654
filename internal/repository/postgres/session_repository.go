package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/repository"
)

// SessionRepository implements repository.SessionRepository for PostgreSQL.
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *models.UploadSession) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.SessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	status := session.Status
	if status == "" {
		status = models.StatusUploading
	}

	var metadata *string
	if len(session.Metadata) > 0 {
		encoded, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		s := string(encoded)
		metadata = &s
	}

	query := `
		INSERT INTO sessions (
			session_id, target_name, total_size, chunk_size, total_chunks,
			status, created_at, expires_at, content_type, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		session.SessionID,
		session.TargetName,
		session.TotalSize,
		session.ChunkSize,
		session.TotalChunks,
		status,
		session.CreatedAt.UTC(),
		session.ExpiresAt.UTC(),
		session.ContentType,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by id, applying lazy expiry first.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	// Lazy expiry: transition an overdue uploading session before reading it.
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status = $1
		WHERE session_id = $2 AND status = $3 AND expires_at <= NOW()
	`, models.StatusExpired, sessionID, models.StatusUploading)
	if err != nil {
		return nil, fmt.Errorf("failed to apply expiry: %w", err)
	}

	query := sessionColumns + ` WHERE s.session_id = $1`

	session, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// RecordChunk atomically upserts a chunk record and recomputes the received
// count. The session row is locked FOR UPDATE so concurrent receivers for the
// same session serialize and exactly one observes the completing transition.
func (r *SessionRepository) RecordChunk(ctx context.Context, sessionID string, record models.ChunkRecord) (*repository.ChunkOutcome, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	return withRetry(ctx, 3, func() (*repository.ChunkOutcome, error) {
		return r.recordChunkOnce(ctx, sessionID, record)
	})
}

func (r *SessionRepository) recordChunkOnce(ctx context.Context, sessionID string, record models.ChunkRecord) (*repository.ChunkOutcome, error) {
	tx, err := r.pool.BeginTx(ctx, TxOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var totalChunks int
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT status, total_chunks, expires_at FROM sessions
		WHERE session_id = $1
		FOR UPDATE
	`, sessionID).Scan(&status, &totalChunks, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if status == models.StatusUploading && time.Now().After(expiresAt) {
		if _, err := tx.Exec(ctx, `UPDATE sessions SET status = $1 WHERE session_id = $2`,
			models.StatusExpired, sessionID); err != nil {
			return nil, fmt.Errorf("failed to expire session: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit expiry: %w", err)
		}
		return nil, repository.ErrSessionExpired
	}

	switch status {
	case models.StatusUploading:
	case models.StatusExpired:
		return nil, repository.ErrSessionExpired
	default:
		return nil, repository.ErrSessionClosed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chunk_records (session_id, chunk_index, size, checksum, local_ref, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, chunk_index) DO UPDATE
		SET size = EXCLUDED.size,
		    checksum = EXCLUDED.checksum,
		    local_ref = EXCLUDED.local_ref,
		    received_at = EXCLUDED.received_at
	`, sessionID, record.ChunkIndex, record.Size, record.Checksum, record.LocalRef, record.ReceivedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record chunk: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunk_records WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	outcome := &repository.ChunkOutcome{
		ReceivedCount: count,
		TotalChunks:   totalChunks,
		Complete:      count >= totalChunks,
	}

	if outcome.Complete {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET status = $1, assembly_started_at = $2
			WHERE session_id = $3 AND status = $4
		`, models.StatusAssembling, time.Now().UTC(), sessionID, models.StatusUploading)
		if err != nil {
			return nil, fmt.Errorf("failed to transition session: %w", err)
		}
		outcome.AssemblyTriggered = tag.RowsAffected() > 0
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit chunk: %w", err)
	}

	return outcome, nil
}

// ReceivedIndices returns the sorted chunk indices recorded for a session.
func (r *SessionRepository) ReceivedIndices(ctx context.Context, sessionID string) ([]int, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT chunk_index FROM chunk_records
		WHERE session_id = $1
		ORDER BY chunk_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk indices: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan chunk index: %w", err)
		}
		indices = append(indices, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk indices: %w", err)
	}

	return indices, nil
}

// ChunkRecords returns all chunk records for a session, ordered by index.
func (r *SessionRepository) ChunkRecords(ctx context.Context, sessionID string) ([]models.ChunkRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT session_id, chunk_index, size, COALESCE(checksum, ''), local_ref, received_at
		FROM chunk_records
		WHERE session_id = $1
		ORDER BY chunk_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk records: %w", err)
	}
	defer rows.Close()

	var records []models.ChunkRecord
	for rows.Next() {
		var rec models.ChunkRecord
		if err := rows.Scan(&rec.SessionID, &rec.ChunkIndex, &rec.Size, &rec.Checksum, &rec.LocalRef, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk records: %w", err)
	}

	return records, nil
}

// TryLockForAssembly atomically re-locks an assembling or failed session.
func (r *SessionRepository) TryLockForAssembly(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("session_id cannot be empty")
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $1, error_message = NULL, assembly_started_at = $2
		WHERE session_id = $3 AND status IN ($4, $5)
	`, models.StatusAssembling, time.Now().UTC(), sessionID, models.StatusAssembling, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to lock session for assembly: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// SetAssemblyCompleted records the final location and marks the session completed.
func (r *SessionRepository) SetAssemblyCompleted(ctx context.Context, sessionID, finalLocation, contentType string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	// Guarded on status so a stale worker cannot rewrite a session another
	// run already finished.
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $1, final_location = $2, content_type = $3, error_message = NULL
		WHERE session_id = $4 AND status = $5
	`, models.StatusCompleted, finalLocation, contentType, sessionID, models.StatusAssembling)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrSessionClosed
	}

	return nil
}

// SetAssemblyFailed records the assembly error and marks the session failed.
func (r *SessionRepository) SetAssemblyFailed(ctx context.Context, sessionID, errorMessage string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, error_message = $2
		WHERE session_id = $3 AND status = $4
	`, models.StatusFailed, errorMessage, sessionID, models.StatusAssembling)
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrSessionClosed
	}

	return nil
}

// ExpiredSessions returns uploading sessions past their deadline.
func (r *SessionRepository) ExpiredSessions(ctx context.Context) ([]models.UploadSession, error) {
	return r.querySessions(ctx,
		sessionColumns+` WHERE s.status = $1 AND s.expires_at <= NOW()`,
		models.StatusUploading)
}

// MarkExpired transitions a session from uploading to expired.
func (r *SessionRepository) MarkExpired(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("session_id cannot be empty")
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status = $1
		WHERE session_id = $2 AND status = $3
	`, models.StatusExpired, sessionID, models.StatusUploading)
	if err != nil {
		return false, fmt.Errorf("failed to mark session expired: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// StalledAssemblies returns assembling sessions older than the stall window.
func (r *SessionRepository) StalledAssemblies(ctx context.Context, stall time.Duration) ([]models.UploadSession, error) {
	cutoff := time.Now().Add(-stall).UTC()
	return r.querySessions(ctx,
		sessionColumns+` WHERE s.status = $1 AND s.assembly_started_at IS NOT NULL AND s.assembly_started_at <= $2`,
		models.StatusAssembling, cutoff)
}

// TerminalBefore returns terminal sessions whose expires_at predates the cutoff.
func (r *SessionRepository) TerminalBefore(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	return r.querySessions(ctx,
		sessionColumns+` WHERE s.status IN ($1, $2, $3) AND s.expires_at <= $4`,
		models.StatusCompleted, models.StatusFailed, models.StatusExpired, cutoff.UTC())
}

// Delete removes a session; chunk records cascade.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// AllSessionIDs returns every session id as a set.
func (r *SessionRepository) AllSessionIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session ids: %w", err)
	}

	return ids, nil
}

// Ping verifies the pool is reachable.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const sessionColumns = `
	SELECT s.session_id, s.target_name, s.total_size, s.chunk_size, s.total_chunks,
	       s.status, s.created_at, s.expires_at, s.final_location, s.content_type,
	       s.error_message, s.assembly_started_at, s.metadata,
	       (SELECT COUNT(*) FROM chunk_records c WHERE c.session_id = s.session_id)
	FROM sessions s`

func (r *SessionRepository) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.UploadSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

func scanSession(row pgx.Row) (*models.UploadSession, error) {
	session := &models.UploadSession{}
	var finalLocation, contentType, errorMessage, metadata *string
	var assemblyStartedAt *time.Time

	err := row.Scan(
		&session.SessionID,
		&session.TargetName,
		&session.TotalSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&session.Status,
		&session.CreatedAt,
		&session.ExpiresAt,
		&finalLocation,
		&contentType,
		&errorMessage,
		&assemblyStartedAt,
		&metadata,
		&session.ReceivedChunks,
	)
	if err != nil {
		return nil, err
	}

	session.FinalLocation = finalLocation
	session.ErrorMessage = errorMessage
	session.AssemblyStartedAt = assemblyStartedAt
	if contentType != nil {
		session.ContentType = *contentType
	}
	if metadata != nil && *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return session, nil
}

var _ repository.SessionRepository = (*SessionRepository)(nil)

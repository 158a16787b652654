package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/repository"
)

const sessionColumns = `
	session_id, target_name, total_size, chunk_size, total_chunks, status,
	created_at, expires_at, final_location, content_type, error_message,
	assembly_started_at, metadata
`

// SessionRepository implements repository.SessionRepository for SQLite.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SQLite session repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session record with status "uploading".
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

	var metadata []byte
	if len(session.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	query := `
		INSERT INTO sessions (
			session_id, target_name, total_size, chunk_size, total_chunks,
			status, created_at, expires_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := withBusyRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			session.SessionID,
			session.TargetName,
			session.TotalSize,
			session.ChunkSize,
			session.TotalChunks,
			status,
			formatTime(session.CreatedAt),
			formatTime(session.ExpiresAt),
			nullableString(metadata),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by id, applying lazy expiry first.
// Returns nil, nil if not found.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	// Lazy expiry: an overdue uploading session flips to expired before the
	// read, so callers never observe a stale "uploading" status.
	expire := `
		UPDATE sessions SET status = ?
		WHERE session_id = ? AND status = ? AND expires_at < ?
	`
	now := formatTime(time.Now())
	err := withBusyRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, expire, models.StatusExpired, sessionID, models.StatusUploading, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply lazy expiry: %w", err)
	}

	query := `SELECT ` + sessionColumns + `,
		(SELECT COUNT(*) FROM chunk_records WHERE chunk_records.session_id = sessions.session_id)
		FROM sessions WHERE session_id = ?`

	row := r.db.QueryRowContext(ctx, query, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// RecordChunk atomically upserts a chunk record, recomputes the received
// count, and performs the uploading -> assembling transition when the
// insertion completes the chunk set. All of it happens in one transaction so
// two concurrent uploads of the final chunk cannot both trigger assembly.
func (r *SessionRepository) RecordChunk(ctx context.Context, sessionID string, record models.ChunkRecord) (*repository.ChunkOutcome, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	var outcome *repository.ChunkOutcome
	err := withBusyRetry(ctx, func() error {
		var err error
		outcome, err = r.recordChunkOnce(ctx, sessionID, record)
		return err
	})
	return outcome, err
}

func (r *SessionRepository) recordChunkOnce(ctx context.Context, sessionID string, record models.ChunkRecord) (*repository.ChunkOutcome, error) {
	tx, err := beginTx(ctx, r.db)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	var totalChunks int
	var expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT status, total_chunks, expires_at FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&status, &totalChunks, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	// Lazy expiry inside the same transaction as the acceptance check.
	if status == models.StatusUploading {
		expiry, perr := time.Parse(time.RFC3339Nano, expiresAt)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse expires_at: %w", perr)
		}
		if time.Now().After(expiry) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ? WHERE session_id = ?`,
				models.StatusExpired, sessionID,
			); err != nil {
				return nil, fmt.Errorf("failed to expire session: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit expiry: %w", err)
			}
			return nil, repository.ErrSessionExpired
		}
	}

	switch status {
	case models.StatusUploading:
		// accepts chunks
	case models.StatusExpired:
		return nil, repository.ErrSessionExpired
	default:
		return nil, repository.ErrSessionClosed
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunk_records (session_id, chunk_index, size, checksum, local_ref, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, chunk_index) DO UPDATE SET
			size = excluded.size,
			checksum = excluded.checksum,
			local_ref = excluded.local_ref,
			received_at = excluded.received_at
	`,
		sessionID,
		record.ChunkIndex,
		record.Size,
		record.Checksum,
		record.LocalRef,
		formatTime(record.ReceivedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert chunk record: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_records WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunk records: %w", err)
	}

	outcome := &repository.ChunkOutcome{
		ReceivedCount: count,
		TotalChunks:   totalChunks,
		Complete:      count >= totalChunks,
	}

	if outcome.Complete {
		// Guarded transition: only one completing call gets rows affected.
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, assembly_started_at = ?
			WHERE session_id = ? AND status = ?
		`,
			models.StatusAssembling,
			formatTime(time.Now()),
			sessionID,
			models.StatusUploading,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to transition to assembling: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		outcome.AssemblyTriggered = affected > 0
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chunk record: %w", err)
	}

	return outcome, nil
}

// ReceivedIndices returns the sorted chunk indices recorded so far.
func (r *SessionRepository) ReceivedIndices(ctx context.Context, sessionID string) ([]int, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT chunk_index FROM chunk_records WHERE session_id = ? ORDER BY chunk_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk indices: %w", err)
	}
	defer rows.Close()

	indices := []int{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan chunk index: %w", err)
		}
		indices = append(indices, idx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk indices: %w", err)
	}

	return indices, nil
}

// ChunkRecords returns all chunk records for a session, ordered by index.
func (r *SessionRepository) ChunkRecords(ctx context.Context, sessionID string) ([]models.ChunkRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, chunk_index, size, checksum, local_ref, received_at
		FROM chunk_records WHERE session_id = ? ORDER BY chunk_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk records: %w", err)
	}
	defer rows.Close()

	var records []models.ChunkRecord
	for rows.Next() {
		var rec models.ChunkRecord
		var checksum sql.NullString
		var receivedAt string
		if err := rows.Scan(&rec.SessionID, &rec.ChunkIndex, &rec.Size, &checksum, &rec.LocalRef, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk record: %w", err)
		}
		if checksum.Valid {
			rec.Checksum = checksum.String
		}
		rec.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse received_at: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk records: %w", err)
	}

	return records, nil
}

// TryLockForAssembly atomically re-locks a failed or stalled assembling
// session for another assembly run.
func (r *SessionRepository) TryLockForAssembly(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("session_id cannot be empty")
	}

	query := `
		UPDATE sessions
		SET status = ?, error_message = NULL, assembly_started_at = ?
		WHERE session_id = ? AND status IN (?, ?)
	`

	var affected int64
	err := withBusyRetry(ctx, func() error {
		result, err := r.db.ExecContext(ctx, query,
			models.StatusAssembling,
			formatTime(time.Now()),
			sessionID,
			models.StatusAssembling,
			models.StatusFailed,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to lock session for assembly: %w", err)
	}

	return affected > 0, nil
}

// SetAssemblyCompleted records the final location and transitions to "completed".
func (r *SessionRepository) SetAssemblyCompleted(ctx context.Context, sessionID, finalLocation, contentType string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}
	if finalLocation == "" {
		return fmt.Errorf("final_location cannot be empty")
	}

	// Guarded on status so a stale worker cannot rewrite a session another
	// run already finished.
	query := `
		UPDATE sessions
		SET status = ?, final_location = ?, content_type = ?, error_message = NULL
		WHERE session_id = ? AND status = ?
	`

	var affected int64
	err := withBusyRetry(ctx, func() error {
		result, err := r.db.ExecContext(ctx, query, models.StatusCompleted, finalLocation, contentType, sessionID, models.StatusAssembling)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set assembly completed: %w", err)
	}
	if affected == 0 {
		return repository.ErrSessionClosed
	}

	return nil
}

// SetAssemblyFailed records the assembly error and transitions to "failed".
func (r *SessionRepository) SetAssemblyFailed(ctx context.Context, sessionID, errorMessage string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	query := `UPDATE sessions SET status = ?, error_message = ? WHERE session_id = ? AND status = ?`

	var affected int64
	err := withBusyRetry(ctx, func() error {
		result, err := r.db.ExecContext(ctx, query, models.StatusFailed, errorMessage, sessionID, models.StatusAssembling)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set assembly failed: %w", err)
	}
	if affected == 0 {
		return repository.ErrSessionClosed
	}

	return nil
}

// ExpiredSessions returns uploading sessions whose expires_at has passed.
func (r *SessionRepository) ExpiredSessions(ctx context.Context) ([]models.UploadSession, error) {
	query := `SELECT ` + sessionColumns + `, 0 FROM sessions
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at ASC`

	return r.querySessions(ctx, query, models.StatusUploading, formatTime(time.Now()))
}

// MarkExpired transitions a session from "uploading" to "expired".
func (r *SessionRepository) MarkExpired(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("session_id cannot be empty")
	}

	var affected int64
	err := withBusyRetry(ctx, func() error {
		result, err := r.db.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE session_id = ? AND status = ?`,
			models.StatusExpired, sessionID, models.StatusUploading,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark session expired: %w", err)
	}

	return affected > 0, nil
}

// StalledAssemblies returns sessions stuck in "assembling" past the stall window.
func (r *SessionRepository) StalledAssemblies(ctx context.Context, stall time.Duration) ([]models.UploadSession, error) {
	cutoff := formatTime(time.Now().Add(-stall))

	query := `SELECT ` + sessionColumns + `, 0 FROM sessions
		WHERE status = ? AND assembly_started_at IS NOT NULL AND assembly_started_at < ?
		ORDER BY assembly_started_at ASC`

	return r.querySessions(ctx, query, models.StatusAssembling, cutoff)
}

// TerminalBefore returns terminal sessions with expires_at before the cutoff.
func (r *SessionRepository) TerminalBefore(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	query := `SELECT ` + sessionColumns + `, 0 FROM sessions
		WHERE status IN (?, ?, ?) AND expires_at < ?
		ORDER BY expires_at ASC`

	return r.querySessions(ctx, query,
		models.StatusCompleted, models.StatusFailed, models.StatusExpired,
		formatTime(cutoff),
	)
}

// Delete removes a session and its chunk records.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	err := withBusyRetry(ctx, func() error {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM chunk_records WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// AllSessionIDs returns every session id as a set.
func (r *SessionRepository) AllSessionIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT session_id FROM sessions`)
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
		return nil, fmt.Errorf("error iterating session ids: %w", err)
	}

	return ids, nil
}

// Ping verifies the database is reachable.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// querySessions executes a query returning session rows.
func (r *SessionRepository) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans one session row including the received chunk count.
func scanSession(row rowScanner) (*models.UploadSession, error) {
	session := &models.UploadSession{}
	var createdAt, expiresAt string
	var finalLocation, contentType, errorMessage, assemblyStartedAt, metadata sql.NullString

	err := row.Scan(
		&session.SessionID,
		&session.TargetName,
		&session.TotalSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&session.Status,
		&createdAt,
		&expiresAt,
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

	session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	session.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	if finalLocation.Valid {
		session.FinalLocation = &finalLocation.String
	}
	if contentType.Valid {
		session.ContentType = contentType.String
	}
	if errorMessage.Valid {
		session.ErrorMessage = &errorMessage.String
	}
	if assemblyStartedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, assemblyStartedAt.String)
		if err == nil {
			session.AssemblyStartedAt = &t
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return session, nil
}

// nullableString converts empty byte slices to NULL.
func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Ensure SessionRepository implements repository.SessionRepository.
var _ repository.SessionRepository = (*SessionRepository)(nil)

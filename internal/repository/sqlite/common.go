// Package sqlite provides the SQLite implementation of the session repository.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// TimeFormat is the fixed-width layout for timestamps stored as TEXT.
// Comparisons like expires_at < ? are lexicographic, so every stored value
// must carry the full nine fractional digits; time.RFC3339Nano trims
// trailing zeros and misorders within a second.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// isBusyError reports whether an error is a SQLITE_BUSY/LOCKED condition
// worth retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// beginTx starts a serializable transaction with retry on SQLITE_BUSY.
func beginTx(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	const maxRetries = 5
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		})
		if err == nil {
			return tx, nil
		}

		lastErr = err

		if !isBusyError(err) {
			return nil, err
		}

		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, lastErr
}

// withBusyRetry runs fn, retrying with exponential backoff on SQLITE_BUSY.
func withBusyRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 5
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isBusyError(err) {
			return err
		}

		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}

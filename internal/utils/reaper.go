package utils

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmarkov/reelvault/internal/chunkstore"
	"github.com/tmarkov/reelvault/internal/metrics"
	"github.com/tmarkov/reelvault/internal/progress"
	"github.com/tmarkov/reelvault/internal/repository"
)

// Reaper periodically expires overdue sessions, removes terminal sessions
// past their retention window, and cleans up orphaned chunk directories.
type Reaper struct {
	sessions    repository.SessionRepository
	chunks      *chunkstore.Store
	broadcaster progress.Broadcaster
	retention   time.Duration
}

// NewReaper creates a reaper over the given stores.
func NewReaper(sessions repository.SessionRepository, chunks *chunkstore.Store, broadcaster progress.Broadcaster, retention time.Duration) *Reaper {
	return &Reaper{
		sessions:    sessions,
		chunks:      chunks,
		broadcaster: broadcaster,
		retention:   retention,
	}
}

// Start runs the reaper loop until the context is cancelled. The first pass
// runs immediately.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("reaper started", "interval", interval, "retention", r.retention)

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper shutting down")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full reap pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	start := time.Now()

	expired := r.expireOverdue(ctx)
	reaped := r.reapTerminal(ctx)
	orphans := r.cleanOrphans(ctx)

	duration := time.Since(start)
	if expired+reaped+orphans > 0 {
		slog.Info("reap pass completed",
			"expired", expired,
			"reaped", reaped,
			"orphan_dirs", orphans,
			"duration", duration,
		)
	} else {
		slog.Debug("reap pass completed", "duration", duration)
	}
}

// expireOverdue transitions overdue uploading sessions to expired and drops
// their staged chunks.
func (r *Reaper) expireOverdue(ctx context.Context) int {
	sessions, err := r.sessions.ExpiredSessions(ctx)
	if err != nil {
		slog.Error("failed to list expired sessions", "error", err)
		return 0
	}

	count := 0
	for _, session := range sessions {
		marked, err := r.sessions.MarkExpired(ctx, session.SessionID)
		if err != nil {
			slog.Error("failed to mark session expired",
				"session_id", session.SessionID, "error", err)
			continue
		}
		if !marked {
			// Lost the race to a chunk upload or another reaper pass.
			continue
		}

		if err := r.chunks.Delete(session.SessionID); err != nil {
			slog.Warn("failed to delete chunks for expired session",
				"session_id", session.SessionID, "error", err)
		}

		metrics.SessionsExpiredTotal.Inc()
		metrics.ActiveSessions.Dec()
		count++

		slog.Info("session expired",
			"session_id", session.SessionID,
			"target_name", session.TargetName,
			"received_chunks", session.ReceivedChunks,
			"total_chunks", session.TotalChunks,
		)
	}

	return count
}

// reapTerminal deletes terminal sessions whose retention window has lapsed.
func (r *Reaper) reapTerminal(ctx context.Context) int {
	cutoff := time.Now().Add(-r.retention)
	sessions, err := r.sessions.TerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("failed to list reapable sessions", "error", err)
		return 0
	}

	count := 0
	for _, session := range sessions {
		if err := r.chunks.Delete(session.SessionID); err != nil {
			slog.Warn("failed to delete chunks for reaped session",
				"session_id", session.SessionID, "error", err)
		}

		if err := r.sessions.Delete(ctx, session.SessionID); err != nil {
			slog.Error("failed to delete session",
				"session_id", session.SessionID, "error", err)
			continue
		}

		r.broadcaster.Forget(session.SessionID)
		count++

		slog.Debug("session reaped",
			"session_id", session.SessionID,
			"status", session.Status,
		)
	}

	return count
}

// cleanOrphans removes chunk directories with no corresponding session row.
func (r *Reaper) cleanOrphans(ctx context.Context) int {
	dirs, err := r.chunks.SessionDirs()
	if err != nil {
		slog.Error("failed to list chunk directories", "error", err)
		return 0
	}
	if len(dirs) == 0 {
		return 0
	}

	known, err := r.sessions.AllSessionIDs(ctx)
	if err != nil {
		slog.Error("failed to list session ids", "error", err)
		return 0
	}

	count := 0
	for _, id := range dirs {
		if known[id] {
			continue
		}
		if err := r.chunks.Delete(id); err != nil {
			slog.Warn("failed to delete orphaned chunk directory",
				"session_id", id, "error", err)
			continue
		}
		count++
		slog.Info("orphaned chunk directory removed", "session_id", id)
	}

	return count
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tmarkov/reelvault/internal/metrics"
	"github.com/tmarkov/reelvault/internal/middleware"
	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/repository"
)

// RunAssembly concatenates a session's chunks in index order, streams the
// result to the object store, and records the terminal outcome. It runs in
// its own goroutine; the caller must have claimed the assembly slot via
// Tracker.StartAssembly.
func RunAssembly(deps *Deps, sessionID string) {
	defer deps.Tracker.FinishAssembly(sessionID)

	// A panic must not leave the session stuck in "assembling".
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic during assembly",
				"session_id", sessionID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			failAssembly(deps, sessionID, "internal error during assembly")
		}
	}()

	ctx := context.Background()

	metrics.AssembliesInFlight.Inc()
	defer metrics.AssembliesInFlight.Dec()
	start := time.Now()

	session, err := deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		slog.Error("assembly: failed to load session", "session_id", sessionID, "error", err)
		failAssembly(deps, sessionID, "failed to load session")
		return
	}
	if session == nil {
		slog.Error("assembly: session disappeared", "session_id", sessionID)
		return
	}
	if session.Status != models.StatusAssembling {
		slog.Warn("assembly: session not locked for assembly",
			"session_id", sessionID, "status", session.Status)
		return
	}

	// Integrity pass before touching the object store: every chunk present
	// and sized as declared at session creation.
	missing, err := deps.Chunks.Missing(sessionID, session.TotalChunks)
	if err != nil {
		slog.Error("assembly: failed to scan chunks", "session_id", sessionID, "error", err)
		failAssembly(deps, sessionID, "failed to scan staged chunks")
		return
	}
	if len(missing) > 0 {
		slog.Error("assembly: chunks missing on disk",
			"session_id", sessionID,
			"missing", missing,
		)
		failAssembly(deps, sessionID, fmt.Sprintf("%d chunks missing on disk", len(missing)))
		return
	}

	if err := deps.Chunks.VerifyIntegrity(sessionID, session.TotalChunks, session.ChunkSize, session.TotalSize); err != nil {
		slog.Error("assembly: integrity check failed", "session_id", sessionID, "error", err)
		failAssembly(deps, sessionID, "chunk integrity check failed")
		return
	}

	contentType := detectContentType(deps, sessionID)

	// Stream chunks straight into the object store without staging the
	// assembled file locally.
	pr, pw := io.Pipe()
	go func() {
		_, err := deps.Chunks.Assemble(pw, sessionID, session.TotalChunks)
		pw.CloseWithError(err)
	}()

	location, hash, err := deps.Objects.Put(ctx, session.TargetName, pr, session.TotalSize, contentType)
	if err != nil {
		pr.Close()
		slog.Error("assembly: failed to store assembled object",
			"session_id", sessionID,
			"target_name", session.TargetName,
			"error", err,
		)
		failAssembly(deps, sessionID, "failed to store assembled object")
		return
	}

	if err := deps.Sessions.SetAssemblyCompleted(ctx, sessionID, location, contentType); err != nil {
		if errors.Is(err, repository.ErrSessionClosed) {
			// Another run already moved the session to a terminal state.
			slog.Warn("assembly: session no longer assembling, discarding result",
				"session_id", sessionID)
			return
		}
		slog.Error("assembly: failed to record completion", "session_id", sessionID, "error", err)
		failAssembly(deps, sessionID, "failed to record completion")
		return
	}

	metrics.SessionsCompletedTotal.Inc()
	metrics.ActiveSessions.Dec()
	metrics.AssemblyDuration.Observe(time.Since(start).Seconds())

	deps.Broadcaster.Publish(models.ProgressEvent{
		Type:          models.EventCompleted,
		SessionID:     sessionID,
		ReceivedCount: session.TotalChunks,
		TotalChunks:   session.TotalChunks,
		Percent:       100,
		FinalLocation: location,
	})

	// Staged chunks are no longer needed. Best effort: the reaper sweeps
	// leftovers.
	if err := deps.Chunks.Delete(sessionID); err != nil {
		slog.Warn("failed to delete staged chunks", "session_id", sessionID, "error", err)
	}

	slog.Info("assembly completed",
		"session_id", sessionID,
		"target_name", session.TargetName,
		"location", location,
		"size", session.TotalSize,
		"content_type", contentType,
		"sha256", truncateHash(hash),
		"duration", time.Since(start),
	)
}

// failAssembly records a terminal failure and notifies subscribers. The
// failure is recorded only if the session is still assembling: a run that
// lost the session to another worker must not disturb that worker's outcome.
func failAssembly(deps *Deps, sessionID, message string) {
	ctx := context.Background()

	if err := deps.Sessions.SetAssemblyFailed(ctx, sessionID, message); err != nil {
		if errors.Is(err, repository.ErrSessionClosed) {
			slog.Warn("assembly failure not recorded, session already terminal",
				"session_id", sessionID, "message", message)
			return
		}
		slog.Error("failed to mark assembly failed", "session_id", sessionID, "error", err)
	}

	metrics.SessionsFailedTotal.Inc()
	metrics.ActiveSessions.Dec()
	metrics.ErrorsTotal.WithLabelValues("assembly").Inc()

	deps.Broadcaster.Publish(models.ProgressEvent{
		Type:      models.EventFailed,
		SessionID: sessionID,
		Error:     message,
	})
}

// detectContentType sniffs the first chunk's leading bytes. Falls back to
// application/octet-stream.
func detectContentType(deps *Deps, sessionID string) string {
	head, err := deps.Chunks.ReadHead(sessionID, 3072)
	if err != nil {
		slog.Warn("failed to read chunk head for content type detection",
			"session_id", sessionID, "error", err)
		return "application/octet-stream"
	}

	if len(head) == 0 {
		return "application/octet-stream"
	}

	return mimetype.Detect(head).String()
}

func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16] + "..."
	}
	return hash
}

// AssembleHandler handles POST /api/sessions/{id}/assemble - operator
// re-trigger of a failed or stalled assembly.
func AssembleHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "INVALID_REQUEST", http.StatusMethodNotAllowed)
			return
		}

		if deps.Tracker.IsShuttingDown() {
			sendError(w, "Server is shutting down", "INTERNAL_ERROR", http.StatusServiceUnavailable)
			return
		}

		sessionID := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")[0]

		session, err := deps.Sessions.Get(r.Context(), sessionID)
		if err != nil {
			slog.Error("failed to get session", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if session == nil {
			sendError(w, "Upload session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
			return
		}

		locked, err := deps.Sessions.TryLockForAssembly(r.Context(), sessionID)
		if err != nil {
			slog.Error("failed to lock session for assembly", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if !locked {
			sendError(w, "Session is not eligible for assembly", "SESSION_CLOSED", http.StatusConflict)
			return
		}

		if !deps.Tracker.StartAssembly(sessionID) {
			sendError(w, "Assembly already in progress", "SESSION_CLOSED", http.StatusConflict)
			return
		}

		// A failed session re-enters the active set.
		if session.Status == models.StatusFailed {
			metrics.ActiveSessions.Inc()
		}

		slog.Info("assembly re-triggered",
			"session_id", sessionID,
			"previous_status", session.Status,
			"client_ip", middleware.GetClientIP(r),
		)

		go RunAssembly(deps, sessionID)

		sendJSON(w, http.StatusAccepted, map[string]string{
			"session_id": sessionID,
			"status":     models.StatusAssembling,
		})
	}
}

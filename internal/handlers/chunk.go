package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tmarkov/reelvault/internal/chunkstore"
	"github.com/tmarkov/reelvault/internal/metrics"
	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/repository"
)

// UploadChunkHandler handles POST /api/sessions/{id}/chunks/{index}
func UploadChunkHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "INVALID_REQUEST", http.StatusMethodNotAllowed)
			return
		}

		if deps.Tracker.IsShuttingDown() {
			sendError(w, "Server is shutting down", "INTERNAL_ERROR", http.StatusServiceUnavailable)
			return
		}

		// Path format: /api/sessions/{id}/chunks/{index}
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
		if len(pathParts) != 3 {
			sendError(w, "Invalid URL path", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		sessionID := pathParts[0]

		chunkIndex, err := strconv.Atoi(pathParts[2])
		if err != nil || chunkIndex < 0 {
			sendError(w, "Invalid chunk index", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

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

		switch session.Status {
		case models.StatusUploading:
			// Accepting chunks.
		case models.StatusExpired:
			sendError(w, "Upload session expired", "SESSION_EXPIRED", http.StatusGone)
			return
		default:
			sendError(w, "Upload session no longer accepts chunks", "SESSION_CLOSED", http.StatusConflict)
			return
		}

		if chunkIndex >= session.TotalChunks {
			sendError(w,
				fmt.Sprintf("Chunk index %d exceeds total chunks %d", chunkIndex, session.TotalChunks),
				"INDEX_OUT_OF_RANGE",
				http.StatusBadRequest,
			)
			return
		}

		// Serialize concurrent writes to the same chunk.
		if !deps.Tracker.StartChunk(sessionID, chunkIndex) {
			sendError(w, "Chunk upload already in progress", "INVALID_REQUEST", http.StatusConflict)
			return
		}
		defer deps.Tracker.FinishChunk(sessionID, chunkIndex)

		// Idempotency: resending an already stored index is accepted, but the
		// received count must not change.
		alreadyStored, _, err := deps.Chunks.Exists(sessionID, chunkIndex)
		if err != nil {
			slog.Error("failed to check chunk existence", "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		// Parse multipart form: chunk size + 1KB overhead
		r.Body = http.MaxBytesReader(w, r.Body, session.ChunkSize+1024)
		if err := r.ParseMultipartForm(session.ChunkSize + 1024); err != nil {
			sendError(w, "Chunk too large or invalid form data", "SIZE_MISMATCH", http.StatusRequestEntityTooLarge)
			return
		}

		chunkFile, _, err := r.FormFile("chunk")
		if err != nil {
			sendError(w, "No chunk file provided", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		defer chunkFile.Close()

		// Every chunk is exactly chunk_size except the last, which carries
		// the remainder.
		expectedSize := session.ChunkSize
		if chunkIndex == session.TotalChunks-1 {
			expectedSize = session.TotalSize - int64(session.TotalChunks-1)*session.ChunkSize
		}

		// Optional client-declared SHA-256, as a header or a form field.
		checksum := r.Header.Get("X-Chunk-Checksum")
		if checksum == "" {
			checksum = r.FormValue("checksum")
		}

		written, storedChecksum, err := deps.Chunks.Save(sessionID, chunkIndex, chunkFile, expectedSize, checksum)
		if err != nil {
			switch {
			case errors.Is(err, chunkstore.ErrSizeMismatch):
				metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
				sendError(w,
					fmt.Sprintf("Chunk size mismatch: expected %d bytes", expectedSize),
					"SIZE_MISMATCH",
					http.StatusBadRequest,
				)
			case errors.Is(err, chunkstore.ErrChecksumMismatch):
				metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
				sendError(w, "Chunk checksum mismatch", "CHECKSUM_MISMATCH", http.StatusBadRequest)
			default:
				slog.Error("failed to save chunk",
					"session_id", sessionID,
					"chunk_index", chunkIndex,
					"error", err,
				)
				sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			}
			return
		}

		outcome, err := deps.Sessions.RecordChunk(r.Context(), sessionID, models.ChunkRecord{
			SessionID:  sessionID,
			ChunkIndex: chunkIndex,
			Size:       written,
			Checksum:   storedChecksum,
			LocalRef:   deps.Chunks.ChunkPath(sessionID, chunkIndex),
			ReceivedAt: time.Now(),
		})
		if err != nil {
			switch {
			case errors.Is(err, repository.ErrSessionNotFound):
				sendError(w, "Upload session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
			case errors.Is(err, repository.ErrSessionExpired):
				sendError(w, "Upload session expired", "SESSION_EXPIRED", http.StatusGone)
			case errors.Is(err, repository.ErrSessionClosed):
				sendError(w, "Upload session no longer accepts chunks", "SESSION_CLOSED", http.StatusConflict)
			default:
				slog.Error("failed to record chunk",
					"session_id", sessionID,
					"chunk_index", chunkIndex,
					"error", err,
				)
				sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			}
			return
		}

		if alreadyStored {
			metrics.ChunksReceivedTotal.WithLabelValues("duplicate").Inc()
		} else {
			metrics.ChunksReceivedTotal.WithLabelValues("accepted").Inc()
		}

		deps.Broadcaster.Publish(models.ProgressEvent{
			Type:          models.EventChunkReceived,
			SessionID:     sessionID,
			ReceivedCount: outcome.ReceivedCount,
			TotalChunks:   outcome.TotalChunks,
			Percent:       percentDone(outcome.ReceivedCount, outcome.TotalChunks),
		})

		if outcome.AssemblyTriggered {
			if deps.Tracker.StartAssembly(sessionID) {
				slog.Info("all chunks received, starting assembly",
					"session_id", sessionID,
					"total_chunks", outcome.TotalChunks,
				)
				go RunAssembly(deps, sessionID)
			} else {
				// Shutdown raced the final chunk; the recovery worker picks
				// this session up on the next start.
				slog.Warn("assembly deferred to recovery", "session_id", sessionID)
			}
		}

		sendJSON(w, http.StatusOK, models.ChunkResponse{
			SessionID:     sessionID,
			ChunkIndex:    chunkIndex,
			Accepted:      true,
			ReceivedCount: outcome.ReceivedCount,
			TotalChunks:   outcome.TotalChunks,
			Complete:      outcome.Complete,
		})

		slog.Debug("chunk received",
			"session_id", sessionID,
			"chunk_index", chunkIndex,
			"size", written,
			"received_count", outcome.ReceivedCount,
			"total_chunks", outcome.TotalChunks,
		)
	}
}

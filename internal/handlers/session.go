package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tmarkov/reelvault/internal/metrics"
	"github.com/tmarkov/reelvault/internal/middleware"
	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/utils"
)

// CreateSessionHandler handles POST /api/sessions - create an upload session
func CreateSessionHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "INVALID_REQUEST", http.StatusMethodNotAllowed)
			return
		}

		if deps.Tracker.IsShuttingDown() {
			sendError(w, "Server is shutting down", "INTERNAL_ERROR", http.StatusServiceUnavailable)
			return
		}

		var req models.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, "Invalid JSON request body", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		if err := utils.ValidateTargetName(req.TargetName); err != nil {
			sendError(w, fmt.Sprintf("Invalid target name: %v", err), "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		if req.TotalSize <= 0 {
			sendError(w, "Total size must be positive", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		if req.TotalSize > deps.Cfg.MaxFileSize {
			sendError(w,
				fmt.Sprintf("File size exceeds maximum of %d bytes", deps.Cfg.MaxFileSize),
				"INVALID_REQUEST",
				http.StatusRequestEntityTooLarge,
			)
			return
		}

		if req.ChunkSize < deps.Cfg.MinChunkSize || req.ChunkSize > deps.Cfg.MaxChunkSize {
			sendError(w,
				fmt.Sprintf("Chunk size must be between %d and %d bytes", deps.Cfg.MinChunkSize, deps.Cfg.MaxChunkSize),
				"INVALID_REQUEST",
				http.StatusBadRequest,
			)
			return
		}

		totalChunks := int(req.TotalSize / req.ChunkSize)
		if req.TotalSize%req.ChunkSize != 0 {
			totalChunks++
		}

		// Prevent DoS with too many small chunks
		if totalChunks > deps.Cfg.MaxChunks {
			sendError(w,
				fmt.Sprintf("File requires too many chunks (maximum %d). Try increasing chunk size.", deps.Cfg.MaxChunks),
				"INVALID_REQUEST",
				http.StatusBadRequest,
			)
			return
		}

		ok, reason, err := utils.CheckDiskSpace(deps.Cfg.DataDir, req.TotalSize, deps.Cfg.MinFreeDiskBytes)
		if err != nil {
			slog.Error("failed to check disk space", "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if !ok {
			slog.Warn("session rejected due to disk space",
				"target_name", req.TargetName,
				"total_size", req.TotalSize,
				"reason", reason,
			)
			sendError(w, "Insufficient storage space", "INTERNAL_ERROR", http.StatusInsufficientStorage)
			return
		}

		now := time.Now()
		session := &models.UploadSession{
			SessionID:   uuid.New().String(),
			TargetName:  req.TargetName,
			TotalSize:   req.TotalSize,
			ChunkSize:   req.ChunkSize,
			TotalChunks: totalChunks,
			Status:      models.StatusUploading,
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Duration(deps.Cfg.SessionTTLHours) * time.Hour),
			Metadata:    req.Metadata,
		}

		if err := deps.Sessions.Create(r.Context(), session); err != nil {
			slog.Error("failed to create session", "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		metrics.SessionsCreatedTotal.Inc()
		metrics.SessionSizeBytes.Observe(float64(req.TotalSize))
		metrics.ActiveSessions.Inc()

		sendJSON(w, http.StatusCreated, models.CreateSessionResponse{
			SessionID:   session.SessionID,
			TotalChunks: totalChunks,
			ChunkSize:   req.ChunkSize,
			ExpiresAt:   session.ExpiresAt,
		})

		slog.Info("upload session created",
			"session_id", session.SessionID,
			"target_name", req.TargetName,
			"total_size", req.TotalSize,
			"chunk_size", req.ChunkSize,
			"total_chunks", totalChunks,
			"expires_at", session.ExpiresAt,
			"client_ip", middleware.GetClientIP(r),
		)
	}
}

// StatusHandler handles GET /api/sessions/{id} - session status
func StatusHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "INVALID_REQUEST", http.StatusMethodNotAllowed)
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

		resp := models.StatusResponse{
			SessionID:     session.SessionID,
			TargetName:    session.TargetName,
			Status:        session.Status,
			ReceivedCount: session.ReceivedChunks,
			TotalChunks:   session.TotalChunks,
			Percent:       percentDone(session.ReceivedChunks, session.TotalChunks),
			ExpiresAt:     session.ExpiresAt,
			FinalLocation: session.FinalLocation,
			Error:         session.ErrorMessage,
		}

		// Completed sessions get a time-limited read URL alongside the
		// location. Best effort: a presigning failure does not fail the
		// status query.
		if session.Status == models.StatusCompleted && session.FinalLocation != nil {
			ttl := time.Duration(deps.Cfg.SignedURLTTLMinutes) * time.Minute
			url, err := deps.Objects.SignedReadURL(r.Context(), session.TargetName, ttl)
			if err != nil {
				slog.Warn("failed to presign download URL",
					"session_id", sessionID,
					"target_name", session.TargetName,
					"error", err,
				)
			} else {
				resp.DownloadURL = url
			}
		}

		sendJSON(w, http.StatusOK, resp)
	}
}

// VerifyChunksHandler handles GET /api/sessions/{id}/chunks - the resumption
// primitive: which chunk indices the server already holds.
func VerifyChunksHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "INVALID_REQUEST", http.StatusMethodNotAllowed)
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

		indices, err := deps.Sessions.ReceivedIndices(r.Context(), sessionID)
		if err != nil {
			slog.Error("failed to list received chunks", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if indices == nil {
			indices = []int{}
		}

		sendJSON(w, http.StatusOK, models.VerifyResponse{
			SessionID:       sessionID,
			ReceivedIndices: indices,
			TotalChunks:     session.TotalChunks,
			Complete:        len(indices) == session.TotalChunks,
		})
	}
}

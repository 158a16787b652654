package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmarkov/reelvault/internal/models"
)

const keepaliveInterval = 15 * time.Second

// EventsHandler handles GET /api/sessions/{id}/events - a Server-Sent Events
// stream of progress for one session. The stream ends after a terminal event
// (completed or failed); subscribers that connect after the terminal event
// receive it immediately and the stream closes.
func EventsHandler(deps *Deps) http.HandlerFunc {
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

		flusher, ok := w.(http.Flusher)
		if !ok {
			sendError(w, "Streaming not supported", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		// A session that is already terminal gets its terminal event
		// synthesized from durable state and the stream closes. The hub's
		// in-memory replay only covers events published by this process.
		if models.IsTerminal(session.Status) {
			writeSSEHeaders(w)
			writeSSEEvent(w, flusher, terminalEvent(session))
			return
		}

		// Subscribe before the headers go out: a client that has seen the
		// response start must not miss events published right after.
		events, cancel := deps.Broadcaster.Subscribe(r.Context(), sessionID)
		defer cancel()

		writeSSEHeaders(w)
		flusher.Flush()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case event, open := <-events:
				if !open {
					return
				}
				writeSSEEvent(w, flusher, event)
			case <-keepalive.C:
				// Comment line keeps proxies from closing an idle stream.
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event models.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal progress event",
			"session_id", event.SessionID, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// terminalEvent reconstructs the terminal progress event for a session from
// its stored state.
func terminalEvent(session *models.UploadSession) models.ProgressEvent {
	event := models.ProgressEvent{
		SessionID:     session.SessionID,
		ReceivedCount: session.ReceivedChunks,
		TotalChunks:   session.TotalChunks,
	}

	switch session.Status {
	case models.StatusCompleted:
		event.Type = models.EventCompleted
		event.Percent = 100
		if session.FinalLocation != nil {
			event.FinalLocation = *session.FinalLocation
		}
	case models.StatusExpired:
		event.Type = models.EventFailed
		event.Error = "upload session expired"
	default:
		event.Type = models.EventFailed
		if session.ErrorMessage != nil {
			event.Error = *session.ErrorMessage
		}
	}

	return event
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SessionRouter dispatches everything under /api/sessions/ by parsing the
// path manually:
//
//	GET  /api/sessions/{id}                 -> status
//	GET  /api/sessions/{id}/chunks          -> received indices (resume)
//	POST /api/sessions/{id}/chunks/{index}  -> chunk upload
//	GET  /api/sessions/{id}/events          -> SSE progress stream
//	POST /api/sessions/{id}/assemble        -> re-trigger assembly
func SessionRouter(deps *Deps) http.HandlerFunc {
	status := StatusHandler(deps)
	verify := VerifyChunksHandler(deps)
	upload := UploadChunkHandler(deps)
	events := EventsHandler(deps)
	assemble := AssembleHandler(deps)

	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			sendError(w, "Session ID is required", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		// Validate session ID (UUID format)
		if _, err := uuid.Parse(parts[0]); err != nil {
			sendError(w, "Invalid session ID format", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		switch {
		case len(parts) == 1:
			status(w, r)
		case len(parts) == 2 && parts[1] == "chunks":
			verify(w, r)
		case len(parts) == 3 && parts[1] == "chunks":
			upload(w, r)
		case len(parts) == 2 && parts[1] == "events":
			events(w, r)
		case len(parts) == 2 && parts[1] == "assemble":
			assemble(w, r)
		default:
			sendError(w, "Not found", "INVALID_REQUEST", http.StatusNotFound)
		}
	}
}

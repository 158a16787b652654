package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tmarkov/reelvault/internal/chunkstore"
	"github.com/tmarkov/reelvault/internal/config"
	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/objectstore"
	"github.com/tmarkov/reelvault/internal/progress"
	"github.com/tmarkov/reelvault/internal/repository"
	"github.com/tmarkov/reelvault/internal/utils"
)

// Deps bundles the shared dependencies handlers are constructed with.
type Deps struct {
	Cfg         *config.Config
	Sessions    repository.SessionRepository
	Chunks      *chunkstore.Store
	Objects     objectstore.ObjectStore
	Broadcaster progress.Broadcaster
	Tracker     *utils.UploadTracker
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := models.ErrorResponse{
		Error: message,
		Code:  code,
	}

	json.NewEncoder(w).Encode(errResp)
}

// sendJSON sends a JSON response with the given status code
func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// percentDone computes the progress percentage for a session.
func percentDone(received, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(received) / float64(total) * 100
}

package handlers

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/tmarkov/reelvault/internal/metrics"
)

// HealthResponse reports overall status plus per-dependency detail.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler handles GET /health - liveness plus dependency checks:
// session store reachability, chunk directory writability, object store
// reachability.
func HealthHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "INVALID_REQUEST", http.StatusMethodNotAllowed)
			return
		}

		checks := map[string]string{
			"database":       "ok",
			"chunk_storage":  "ok",
			"object_storage": "ok",
		}
		healthy := true

		if err := deps.Sessions.Ping(r.Context()); err != nil {
			slog.Error("health check: database unreachable", "error", err)
			checks["database"] = err.Error()
			healthy = false
		}

		if err := checkWritable(deps.Cfg.DataDir); err != nil {
			slog.Error("health check: chunk directory not writable",
				"dir", deps.Cfg.DataDir, "error", err)
			checks["chunk_storage"] = err.Error()
			healthy = false
		}

		if err := deps.Objects.Ping(r.Context()); err != nil {
			slog.Error("health check: object store unreachable", "error", err)
			checks["object_storage"] = err.Error()
			healthy = false
		}

		resp := HealthResponse{Status: "ok", Checks: checks}
		status := http.StatusOK
		if healthy {
			metrics.HealthStatus.Set(1)
		} else {
			metrics.HealthStatus.Set(0)
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		sendJSON(w, status, resp)
	}
}

// checkWritable verifies the directory accepts writes by creating and
// removing a probe file.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

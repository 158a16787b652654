package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tmarkov/reelvault/internal/models"
)

func TestCreateSession_ValidRequest(t *testing.T) {
	env := newTestEnv(t)

	created := env.createSession(t, "videos/2026/clip.mp4", 25, 10)

	if created.SessionID == "" {
		t.Error("session_id should not be empty")
	}
	if _, err := uuid.Parse(created.SessionID); err != nil {
		t.Errorf("session_id is not a UUID: %v", err)
	}

	// 25 bytes in chunks of 10: two full chunks and a 5-byte tail.
	if created.TotalChunks != 3 {
		t.Errorf("total_chunks = %d, want 3", created.TotalChunks)
	}
	if created.ExpiresAt.IsZero() {
		t.Error("expires_at should be set")
	}
}

func TestCreateSession_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Cfg.MinChunkSize = 4
	env.deps.Cfg.MaxChunkSize = 1024
	env.deps.Cfg.MaxFileSize = 1 << 20
	env.deps.Cfg.MaxChunks = 100

	tests := []struct {
		name       string
		req        models.CreateSessionRequest
		wantStatus int
	}{
		{
			name:       "missing target name",
			req:        models.CreateSessionRequest{TotalSize: 100, ChunkSize: 10},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "path traversal in target name",
			req:        models.CreateSessionRequest{TargetName: "../etc/passwd", TotalSize: 100, ChunkSize: 10},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "zero total size",
			req:        models.CreateSessionRequest{TargetName: "a.bin", TotalSize: 0, ChunkSize: 10},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "total size above limit",
			req:        models.CreateSessionRequest{TargetName: "a.bin", TotalSize: 2 << 20, ChunkSize: 1024},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "chunk size below minimum",
			req:        models.CreateSessionRequest{TargetName: "a.bin", TotalSize: 100, ChunkSize: 2},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "chunk size above maximum",
			req:        models.CreateSessionRequest{TargetName: "a.bin", TotalSize: 100000, ChunkSize: 4096},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "too many chunks",
			req:        models.CreateSessionRequest{TargetName: "a.bin", TotalSize: 1000, ChunkSize: 4},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body))
			rr := httptest.NewRecorder()

			CreateSessionHandler(env.deps).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body = %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestCreateSession_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()

	CreateSessionHandler(env.deps).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStatusHandler_Progress(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "status.bin", 10, 4)

	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp models.StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.Status != models.StatusUploading {
		t.Errorf("session status = %s, want %s", resp.Status, models.StatusUploading)
	}
	if resp.ReceivedCount != 1 || resp.TotalChunks != 3 {
		t.Errorf("counts = %d/%d, want 1/3", resp.ReceivedCount, resp.TotalChunks)
	}
	if resp.Percent < 33.2 || resp.Percent > 33.4 {
		t.Errorf("percent = %f, want ~33.3", resp.Percent)
	}
	if resp.DownloadURL != "" {
		t.Error("incomplete session should not carry a download URL")
	}
}

func TestStatusHandler_CompletedIncludesDownloadURL(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "done.bin", 4, 4)

	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))
	env.waitForStatus(t, created.SessionID, models.StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	var resp models.StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.Status != models.StatusCompleted {
		t.Errorf("session status = %s, want %s", resp.Status, models.StatusCompleted)
	}
	if resp.FinalLocation == nil {
		t.Error("completed session should have a final location")
	}
	if resp.DownloadURL == "" {
		t.Error("completed session should carry a download URL")
	}
	if resp.Percent != 100 {
		t.Errorf("percent = %f, want 100", resp.Percent)
	}
}

func TestStatusHandler_NotFound(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+uuid.New().String(), nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if code := errorCode(t, rr); code != "SESSION_NOT_FOUND" {
		t.Errorf("code = %s, want SESSION_NOT_FOUND", code)
	}
}

func TestVerifyChunks_ResumeFlow(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "resume.bin", 20, 4)

	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))
	env.uploadChunk(t, created.SessionID, 3, []byte("dddd"))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/chunks", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp models.VerifyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	if len(resp.ReceivedIndices) != 2 || resp.ReceivedIndices[0] != 0 || resp.ReceivedIndices[1] != 3 {
		t.Errorf("received_indices = %v, want [0 3]", resp.ReceivedIndices)
	}
	if resp.Complete {
		t.Error("session with missing chunks should not be complete")
	}
	if resp.TotalChunks != 5 {
		t.Errorf("total_chunks = %d, want 5", resp.TotalChunks)
	}
}

func TestVerifyChunks_EmptySession(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "fresh.bin", 10, 4)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/chunks", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	var resp models.VerifyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.ReceivedIndices == nil || len(resp.ReceivedIndices) != 0 {
		t.Errorf("received_indices = %v, want empty array", resp.ReceivedIndices)
	}
}

func TestSessionRouter_InvalidPaths(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"non-uuid session id", http.MethodGet, "/api/sessions/not-a-uuid", http.StatusBadRequest},
		{"unknown subresource", http.MethodGet, "/api/sessions/" + uuid.New().String() + "/bogus", http.StatusNotFound},
		{"trailing garbage", http.MethodGet, "/api/sessions/" + uuid.New().String() + "/chunks/0/extra", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			env.router.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

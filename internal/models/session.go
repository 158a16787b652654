package models

import "time"

// Session status values. Transitions are monotonic:
// uploading -> assembling -> completed|failed, and uploading -> expired.
const (
	StatusUploading  = "uploading"
	StatusAssembling = "assembling"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// IsTerminal reports whether a session status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusExpired
}

// UploadSession represents one resumable chunked upload.
type UploadSession struct {
	SessionID         string            `json:"session_id"`
	TargetName        string            `json:"target_name"`
	TotalSize         int64             `json:"total_size"`
	ChunkSize         int64             `json:"chunk_size"`
	TotalChunks       int               `json:"total_chunks"`
	ReceivedChunks    int               `json:"received_chunks"`
	Status            string            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	FinalLocation     *string           `json:"final_location,omitempty"`
	ContentType       string            `json:"content_type,omitempty"`
	ErrorMessage      *string           `json:"error,omitempty"`
	AssemblyStartedAt *time.Time        `json:"assembly_started_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ChunkRecord tracks one received chunk of a session.
type ChunkRecord struct {
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum,omitempty"`
	LocalRef   string    `json:"local_ref"`
	ReceivedAt time.Time `json:"received_at"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	TargetName string            `json:"target_name"`
	TotalSize  int64             `json:"total_size"`
	ChunkSize  int64             `json:"chunk_size"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CreateSessionResponse is returned after a session is created.
type CreateSessionResponse struct {
	SessionID   string    `json:"session_id"`
	TotalChunks int       `json:"total_chunks"`
	ChunkSize   int64     `json:"chunk_size"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChunkResponse is returned after a chunk upload.
type ChunkResponse struct {
	SessionID     string `json:"session_id"`
	ChunkIndex    int    `json:"chunk_index"`
	Accepted      bool   `json:"accepted"`
	ReceivedCount int    `json:"received_count"`
	TotalChunks   int    `json:"total_chunks"`
	Complete      bool   `json:"complete"`
}

// VerifyResponse is the resumption primitive: the indices already recorded.
type VerifyResponse struct {
	SessionID       string `json:"session_id"`
	ReceivedIndices []int  `json:"received_indices"`
	TotalChunks     int    `json:"total_chunks"`
	Complete        bool   `json:"complete"`
}

// StatusResponse is returned by GET /api/sessions/{id}.
type StatusResponse struct {
	SessionID     string    `json:"session_id"`
	TargetName    string    `json:"target_name"`
	Status        string    `json:"status"`
	ReceivedCount int       `json:"received_count"`
	TotalChunks   int       `json:"total_chunks"`
	Percent       float64   `json:"percent"`
	ExpiresAt     time.Time `json:"expires_at"`
	FinalLocation *string   `json:"final_location,omitempty"`
	DownloadURL   string    `json:"download_url,omitempty"`
	Error         *string   `json:"error,omitempty"`
}

// ErrorResponse is the JSON error envelope used by all handlers.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Progress event types pushed over the session event stream.
const (
	EventChunkReceived = "chunk_received"
	EventCompleted     = "completed"
	EventFailed        = "failed"
)

// ProgressEvent is one entry on a session's progress stream.
type ProgressEvent struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"session_id"`
	ReceivedCount int     `json:"received_count,omitempty"`
	TotalChunks   int     `json:"total_chunks,omitempty"`
	Percent       float64 `json:"percent,omitempty"`
	FinalLocation string  `json:"final_location,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

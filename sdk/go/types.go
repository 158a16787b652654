package reelvault

import "time"

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

// VerifyResponse lists the chunk indices the server already holds.
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

// Session status values reported by StatusResponse.
const (
	StatusUploading  = "uploading"
	StatusAssembling = "assembling"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// UploadProgress reports upload progress to the OnProgress callback.
type UploadProgress struct {
	ChunksUploaded int
	TotalChunks    int
	BytesUploaded  int64
	TotalBytes     int64
	Percentage     int
}

// UploadOptions configures Upload.
type UploadOptions struct {
	// ChunkSize overrides the default chunk size of 8 MiB.
	ChunkSize int64

	// Metadata is attached to the session at creation.
	Metadata map[string]string

	// OnProgress, if set, is called after each uploaded chunk.
	OnProgress func(UploadProgress)

	// WaitForAssembly makes Upload block until the server finishes
	// assembling the object, polling the status endpoint.
	WaitForAssembly bool
}

// UploadResult describes a finished upload.
type UploadResult struct {
	SessionID     string
	TargetName    string
	Status        string
	FinalLocation string
	DownloadURL   string
}

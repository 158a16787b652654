package reelvault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// UploadChunk sends one chunk. The payload's SHA-256 is declared so the
// server can reject corruption in transit. Resending an index the server
// already holds is safe.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, payload []byte) (*ChunkResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("chunk%d", index))
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("writing chunk payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/api/sessions/%s/chunks/%d", c.baseURL, sessionID, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	sum := sha256.Sum256(payload)
	req.Header.Set("X-Chunk-Checksum", hex.EncodeToString(sum[:]))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}

	var chunkResp ChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&chunkResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &chunkResp, nil
}

// Upload creates a session and streams content to it chunk by chunk.
//
// Example:
//
//	f, _ := os.Open("clip.mp4")
//	info, _ := f.Stat()
//	result, err := client.Upload(ctx, "videos/clip.mp4", f, info.Size(), &reelvault.UploadOptions{
//	    WaitForAssembly: true,
//	})
func (c *Client) Upload(ctx context.Context, targetName string, content io.ReaderAt, size int64, opts *UploadOptions) (*UploadResult, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}
	if size <= 0 {
		return nil, &ValidationError{Field: "size", Message: "must be positive"}
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > size {
		chunkSize = size
	}

	session, err := c.CreateSession(ctx, CreateSessionRequest{
		TargetName: targetName,
		TotalSize:  size,
		ChunkSize:  chunkSize,
		Metadata:   opts.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return c.uploadChunks(ctx, session.SessionID, targetName, content, size, chunkSize, session.TotalChunks, nil, opts)
}

// Resume continues an interrupted upload: it asks the server which chunks
// it already holds and sends only the rest.
func (c *Client) Resume(ctx context.Context, sessionID, targetName string, content io.ReaderAt, size int64, opts *UploadOptions) (*UploadResult, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}

	verify, err := c.Verify(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("verifying session: %w", err)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > size {
		chunkSize = size
	}

	have := make(map[int]bool, len(verify.ReceivedIndices))
	for _, idx := range verify.ReceivedIndices {
		have[idx] = true
	}

	return c.uploadChunks(ctx, sessionID, targetName, content, size, chunkSize, verify.TotalChunks, have, opts)
}

// uploadChunks sends every chunk not in skip, in index order.
func (c *Client) uploadChunks(ctx context.Context, sessionID, targetName string, content io.ReaderAt, size, chunkSize int64, totalChunks int, skip map[int]bool, opts *UploadOptions) (*UploadResult, error) {
	uploaded := len(skip)
	var bytesUploaded int64

	buf := make([]byte, chunkSize)
	for index := 0; index < totalChunks; index++ {
		if skip[index] {
			continue
		}

		offset := int64(index) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}

		if _, err := content.ReadAt(buf[:length], offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading chunk %d: %w", index, err)
		}

		if _, err := c.UploadChunk(ctx, sessionID, index, buf[:length]); err != nil {
			return nil, fmt.Errorf("uploading chunk %d: %w", index, err)
		}

		uploaded++
		bytesUploaded += length
		if opts.OnProgress != nil {
			opts.OnProgress(UploadProgress{
				ChunksUploaded: uploaded,
				TotalChunks:    totalChunks,
				BytesUploaded:  bytesUploaded,
				TotalBytes:     size,
				Percentage:     uploaded * 100 / totalChunks,
			})
		}
	}

	result := &UploadResult{
		SessionID:  sessionID,
		TargetName: targetName,
		Status:     StatusAssembling,
	}

	if !opts.WaitForAssembly {
		return result, nil
	}
	return c.waitForAssembly(ctx, result)
}

// waitForAssembly polls session status until it reaches a terminal state.
func (c *Client) waitForAssembly(ctx context.Context, result *UploadResult) (*UploadResult, error) {
	delay := 100 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		status, err := c.Status(ctx, result.SessionID)
		if err != nil {
			return nil, fmt.Errorf("polling status: %w", err)
		}

		switch status.Status {
		case StatusCompleted:
			result.Status = status.Status
			if status.FinalLocation != nil {
				result.FinalLocation = *status.FinalLocation
			}
			result.DownloadURL = status.DownloadURL
			return result, nil
		case StatusFailed, StatusExpired:
			result.Status = status.Status
			msg := "assembly failed"
			if status.Error != nil {
				msg = *status.Error
			}
			return result, fmt.Errorf("upload %s: %s", status.Status, msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		if delay < maxDelay {
			delay *= 2
		}
	}
}

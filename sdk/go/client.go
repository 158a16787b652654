// Package reelvault is the Go client for the reelvault upload service. It
// drives the resumable upload flow: create a session, stream chunks, resume
// after interruption, and watch assembly finish.
package reelvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultChunkSize is used when UploadOptions does not set one.
const DefaultChunkSize int64 = 8 * 1024 * 1024

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server address, e.g. "https://vault.example.com".
	BaseURL string

	// Timeout bounds each HTTP request. Defaults to 5 minutes, sized for
	// chunk bodies on slow links.
	Timeout time.Duration

	// RetryMax is the number of retries for transient failures.
	// Defaults to 3.
	RetryMax int
}

// Client is the reelvault API client. Transient failures (connection
// resets, 5xx responses) are retried with backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given server.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &ValidationError{Field: "BaseURL", Message: "is required"}
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &ValidationError{Field: "BaseURL", Message: "must be a valid URL"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &ValidationError{Field: "BaseURL", Message: "must use http or https"}
	}
	if parsed.Host == "" {
		return nil, &ValidationError{Field: "BaseURL", Message: "must include a host"}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 3
	if cfg.RetryMax > 0 {
		retryClient.RetryMax = cfg.RetryMax
	}
	retryClient.HTTPClient.Timeout = 5 * time.Minute
	if cfg.Timeout > 0 {
		retryClient.HTTPClient.Timeout = cfg.Timeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: retryClient.StandardClient(),
	}, nil
}

// CreateSession starts a new upload session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the current state of a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify returns the chunk indices the server already holds, the resumption
// primitive after an interrupted upload.
func (c *Client) Verify(ctx context.Context, sessionID string) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/chunks", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerAssembly asks the server to retry a failed or stalled assembly.
func (c *Client) TriggerAssembly(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/assemble", nil, nil)
}

// doJSON performs a JSON request/response roundtrip and maps error
// envelopes to APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// decodeAPIError turns an error envelope into an APIError.
func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Code == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       CodeInternalError,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Code,
		Message:    envelope.Error,
	}
}

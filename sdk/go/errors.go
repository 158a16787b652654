package reelvault

import "fmt"

// APIError is a structured error returned by the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reelvault: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
}

// Error codes returned by the server.
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeSessionClosed    = "SESSION_CLOSED"
	CodeSizeMismatch     = "SIZE_MISMATCH"
	CodeIndexOutOfRange  = "INDEX_OUT_OF_RANGE"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInternalError    = "INTERNAL_ERROR"
)

// IsSessionGone reports whether the error means the session can no longer
// accept chunks and the upload must start over.
func IsSessionGone(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case CodeSessionNotFound, CodeSessionExpired, CodeSessionClosed:
		return true
	}
	return false
}

// ValidationError is returned for invalid client-side input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("reelvault: %s %s", e.Field, e.Message)
}

package dest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for destination API conditions.
var (
	// ErrQuotaExceeded means the destination rejected an upload because the
	// account's rolling quota is spent. The scheduler reacts by writing a
	// synthetic full-cap ledger entry and ending the run.
	ErrQuotaExceeded = errors.New("dest: upload quota exceeded")

	// ErrUnauthorized means the bearer token was rejected even after refresh.
	ErrUnauthorized = errors.New("dest: unauthorized")

	// ErrNotFound means the remote resource does not exist.
	ErrNotFound = errors.New("dest: not found")
)

// RateLimitError indicates the destination rate limited the request.
type RateLimitError struct {
	// StatusCode is the HTTP status code (429 or 503).
	StatusCode int
	// RetryAfter indicates how long to wait before retrying.
	RetryAfter time.Duration
}

// Error returns a string representation of the rate limit error.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("dest: rate limited (status %d): retry after %v", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("dest: rate limited (status %d)", e.StatusCode)
}

// HTTPError indicates a non-2xx response that is not rate limiting.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int
	// Body is the response body.
	Body []byte
}

// Error returns a string representation of the HTTP error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("dest: http error: status %d", e.StatusCode)
}

// apiError is the destination's JSON error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// isQuotaExceeded detects the destination's quota rejection in an error body.
func isQuotaExceeded(body []byte) bool {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Code != "" {
		switch ae.Error.Code {
		case "upload_limit_exceeded", "daily_quota_exceeded":
			return true
		}
		return false
	}
	// Fall back to substring matching for non-JSON bodies.
	return strings.Contains(string(body), "uploadLimitExceeded")
}

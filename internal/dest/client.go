// Package dest is the client for the destination platform's upload API.
// All calls are synchronous HTTP requests authorized by a bearer token that
// is refreshed on expiry, with retry, rate limiting and typed errors.
package dest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"vidmirror/internal/retry"
)

// Config holds destination client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v2".
	BaseURL string

	// Timeout for individual HTTP requests. Uploads use UploadTimeout.
	Timeout time.Duration

	// UploadTimeout bounds the byte-transfer request.
	UploadTimeout time.Duration

	// RequestsPerSecond is the client-side token bucket rate.
	RequestsPerSecond float64

	// Retry configuration for transient failures.
	Retry retry.Config

	// UserAgent for HTTP requests.
	UserAgent string
}

// DefaultConfig returns sensible defaults for the destination client.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		UploadTimeout:     2 * time.Hour,
		RequestsPerSecond: 2.0,
		Retry:             retry.DefaultConfig(),
		UserAgent:         "vidmirror/1.0",
	}
}

// Client talks to the destination API.
type Client struct {
	base    *http.Client
	uploads *http.Client
	config  Config
	tokens  TokenSource
	limiter *rate.Limiter
}

// NewClient creates a destination client with the given configuration and
// token source.
func NewClient(cfg Config, tokens TokenSource) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = DefaultConfig().UploadTimeout
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}

	return &Client{
		base:    &http.Client{Timeout: cfg.Timeout},
		uploads: &http.Client{Timeout: cfg.UploadTimeout},
		config:  cfg,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Response is a decoded HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// do performs an authorized request with rate limiting and retry. A 401
// invalidates the token and the retry path fetches a fresh one. Quota
// rejections surface as ErrQuotaExceeded, which is permanent for the run.
func (c *Client) do(ctx context.Context, client *http.Client, method, urlStr string, body func() (io.ReadCloser, error), contentType string) (*Response, error) {
	var out *Response

	err := retry.Do(ctx, c.config.Retry, isRetryable, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reqBody io.ReadCloser
		if body != nil {
			var err error
			reqBody, err = body()
			if err != nil {
				return err
			}
			defer reqBody.Close()
		}

		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			// Token expired mid-session; refresh and let retry re-send.
			c.tokens.Invalidate()
			return fmt.Errorf("token rejected: %w", ErrUnauthorized)

		case resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable:
			if isQuotaExceeded(respBody) {
				return ErrQuotaExceeded
			}
			return &RateLimitError{
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header),
			}

		case resp.StatusCode == http.StatusForbidden && isQuotaExceeded(respBody):
			return ErrQuotaExceeded

		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
		}

		out = &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       respBody,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isRetryable classifies destination API errors for the retry loop.
func isRetryable(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrNotFound) {
		return false
	}
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode >= 500
	}
	return true
}

// parseRetryAfter extracts the Retry-After header value.
// Returns the number of seconds to wait, or 0 if not present.
func parseRetryAfter(header http.Header) time.Duration {
	retryAfter := header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}
	return 0
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.base.CloseIdleConnections()
	c.uploads.CloseIdleConnections()
	return nil
}

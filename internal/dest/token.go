package dest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies bearer tokens for destination API requests.
type TokenSource interface {
	// Token returns a valid bearer token, refreshing it if necessary.
	Token(ctx context.Context) (string, error)
	// Invalidate discards the cached token after a 401 so the next call refreshes.
	Invalidate()
}

// StaticTokenSource returns a fixed token, used in tests and for short-lived
// personal access tokens.
type StaticTokenSource string

// Token returns the fixed token.
func (s StaticTokenSource) Token(ctx context.Context) (string, error) { return string(s), nil }

// Invalidate is a no-op for static tokens.
func (s StaticTokenSource) Invalidate() {}

// RefreshTokenSource exchanges a long-lived refresh token for short-lived
// access tokens and caches them until expiry.
type RefreshTokenSource struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// HTTPClient overrides the client used for the token exchange.
	HTTPClient *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token returns the cached access token, refreshing it when it has expired
// or was invalidated.
func (r *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Refresh a minute early so in-flight requests don't race expiry.
	if r.token != "" && time.Now().Add(time.Minute).Before(r.expires) {
		return r.token, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {r.RefreshToken},
		"client_id":     {r.ClientID},
		"client_secret": {r.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL,
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "bearer") {
		return "", fmt.Errorf("unsupported token type %q", tr.TokenType)
	}

	r.token = tr.AccessToken
	r.expires = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return r.token, nil
}

// Invalidate discards the cached access token.
func (r *RefreshTokenSource) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
	r.expires = time.Time{}
}

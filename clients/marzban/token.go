package marzban

import (
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

// Panel tokens live for an hour; refresh five minutes early.
const tokenTTL = 55 * time.Minute

// tokenCache keeps the admin bearer token. Concurrent callers that find it
// stale may each run an exchange; the last one wins.
type tokenCache struct {
	mu       sync.Mutex
	token    string
	expires  time.Time
	ttl      time.Duration
	now      func() time.Time
	exchange func(ctx context.Context) (string, error)
}

func (t *tokenCache) get(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && t.now().Before(t.expires) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	token, err := t.exchange(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}

	t.mu.Lock()
	t.token = token
	t.expires = t.now().Add(t.ttl)
	t.mu.Unlock()

	return token, nil
}

func (t *tokenCache) invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expires = time.Time{}
	t.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (c *Client) exchangeToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{Method: http.MethodPost, Path: "/api/admin/token", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	c.logger.Info("panel token refreshed")
	return tr.AccessToken, nil
}

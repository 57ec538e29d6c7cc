// Package marzban is the client of the Marzban panel that owns every VPN account.
package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAuth is returned when the admin credential exchange fails.
	ErrAuth = errors.New("marzban: authentication failed")
	// ErrUserNotFound is returned when the panel has no such user.
	ErrUserNotFound = errors.New("marzban: user not found")
)

// APIError is a non-2xx answer from the panel.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marzban: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time
	tokens   *tokenCache
	pageSize int
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		now:      time.Now,
		pageSize: 200,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "marzban")
	c.tokens = &tokenCache{ttl: tokenTTL, now: c.now, exchange: c.exchangeToken}
	return c
}

// do sends an authorized JSON request. A 401 drops the cached token and the
// request is tried once more with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marzban: encode %s %s: %w", method, path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.get(ctx)
		if err != nil {
			return err
		}

		body, status, err := c.send(ctx, method, path, token, payload)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized {
			c.tokens.invalidate()
			if attempt == 0 {
				continue
			}
		}
		if status >= 400 {
			return &APIError{Method: method, Path: path, StatusCode: status, Body: string(body)}
		}

		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("marzban: decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path, token string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("marzban: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("marzban: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("marzban: read %s %s: %w", method, path, err)
	}
	return body, resp.StatusCode, nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

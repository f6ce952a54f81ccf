// Package client is the device-side HTTP client for the activity log API.
// It maps responses onto the domain error taxonomy the sync orchestrator acts on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/pkg/activityapi"
)

// Client calls the activity log REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New builds a Client for baseURL authenticating with the bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateEvent posts one event under idempotencyKey.
//
// A 409 yields *domain.ConflictError, other 4xx (except 429) yield *domain.ValidationError,
// and 5xx, 429, timeouts and network failures yield *domain.TransientError.
func (c *Client) CreateEvent(ctx context.Context, idempotencyKey string, req activityapi.CreateEventRequest) (*activityapi.EventResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &domain.ValidationError{Reason: "payload cannot be encoded: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/activity", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set(activityapi.IdempotencyKeyHeader, idempotencyKey)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out activityapi.EventResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, &domain.TransientError{Err: errors.Wrap(err, "decode response")}
		}
		return &out, nil
	}
	return nil, classify(resp, idempotencyKey)
}

// Ping reports whether the API answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &domain.TransientError{Err: errors.Errorf("healthz returned %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func classify(resp *http.Response, idempotencyKey string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body activityapi.ErrorResponse
	_ = json.Unmarshal(raw, &body)

	detail := body.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &domain.ConflictError{IdempotencyKey: idempotencyKey}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &domain.TransientError{Err: errors.Errorf("server returned %d: %s", resp.StatusCode, detail)}
	default:
		return &domain.ValidationError{Field: body.Field, Reason: detail}
	}
}

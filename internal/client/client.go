// Package client talks to the vassist HTTP API. It maps error responses back
// to the same sentinel errors the server uses, so callers can errors.Is
// across the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/lifecycle"
	"github.com/centromex/vassist/internal/models"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Result is what a mutation endpoint reports back.
type Result struct {
	Success       bool                 `json:"success"`
	ID            string               `json:"id"`
	Status        models.RequestStatus `json:"status"`
	FulfillerName string               `json:"fulfiller_name"`
	Message       string               `json:"message"`
}

func (c *Client) Create(ctx context.Context, in lifecycle.NewRequest) (*Result, error) {
	var res Result
	if err := c.postJSON(ctx, "/api/create-request", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Claim(ctx context.Context, id, fulfillerName string) (*Result, error) {
	var res Result
	body := map[string]string{"id": id, "fulfiller_name": fulfillerName}
	if err := c.postJSON(ctx, "/api/accept-request", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Advance(ctx context.Context, id string, status models.RequestStatus) (*Result, error) {
	var res Result
	body := map[string]string{"id": id, "status": string(status)}
	if err := c.postJSON(ctx, "/api/update-status", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Complete(ctx context.Context, id, code string) (*Result, error) {
	var res Result
	body := map[string]string{"id": id, "secret_code": code}
	if err := c.postJSON(ctx, "/api/verify-otp", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (*Result, error) {
	var res Result
	if err := c.postJSON(ctx, "/api/cancel-request", map[string]string{"id": id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetRequest fetches one request; a missing one is db.ErrNotFound.
func (c *Client) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	if err := c.getJSON(ctx, "/api/get-requests?id="+url.QueryEscape(id), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error) {
	q := url.Values{}
	q.Set("status", string(status))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var list []models.Request
	if err := c.getJSON(ctx, "/api/get-requests?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Poll returns nil, nil when the request does not exist.
func (c *Client) Poll(ctx context.Context, id string) (*models.Request, error) {
	var req *models.Request
	if err := c.getJSON(ctx, "/api/poll?id="+url.QueryEscape(id), &req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	return c.getJSON(ctx, "/healthz", &resp)
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vassist: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the sentinel the server mapped to this status.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return &lifecycle.ValidationError{Problems: []string{e.Message}}
	case http.StatusNotFound:
		return db.ErrNotFound
	case http.StatusForbidden:
		return lifecycle.ErrInvalidCode
	case http.StatusConflict:
		msg := strings.ToLower(e.Message)
		switch {
		case strings.Contains(msg, "no longer available"):
			return lifecycle.ErrAlreadyClaimed
		case strings.Contains(msg, "already delivered"):
			return lifecycle.ErrAlreadyCompleted
		case strings.Contains(msg, "already exists"):
			return db.ErrAlreadyExists
		default:
			return lifecycle.ErrInvalidTransition
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package client talks to the task ordering HTTP API. It satisfies the
// board's Lister and Mover so a drag session can run against a remote
// server.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

const defaultTimeout = 10 * time.Second

// Client wraps http.Client with helpers for JSON requests.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
	// NewKey generates the Idempotency-Key of a move that carries none.
	NewKey func() string
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: defaultTimeout},
		NewKey:  uuid.NewString,
	}
}

// APIError is a non-2xx answer of the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the error code back to the domain error it was derived from.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return domain.ErrNotFound
	case "conflict":
		return domain.ErrConcurrencyConflict
	case "invalid_range":
		return domain.ErrInvalidRange
	case "invalid_delta":
		return domain.ErrInvalidDelta
	case "invalid_position":
		return domain.ErrInvalidPosition
	case "invalid_scope":
		return domain.ErrInvalidScope
	case "invalid_task":
		return domain.ErrInvalidTask
	case "batch_too_large":
		return domain.ErrBatchTooLarge
	case "persistence":
		return domain.ErrPersistence
	default:
		return nil
	}
}

type scopeResponse struct {
	Scope string        `json:"scope"`
	Tasks []domain.Task `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// List returns the tasks of a scope in display order. The owner is taken
// from the bearer token; ownerID is accepted to satisfy board.Lister.
func (c *Client) List(ctx context.Context, _ string, scopeKey string) ([]domain.Task, error) {
	var out scopeResponse
	if err := c.do(ctx, http.MethodGet, "/api/scopes/"+url.PathEscape(scopeKey)+"/tasks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Create adds a task at the end of its scope.
func (c *Client) Create(ctx context.Context, nt domain.NewTask) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", nt, nil, &out)
	return out, err
}

// Move sends a move. req.IdempotencyKey is sent as is so retries of the same
// action are deduplicated by the server; without one a fresh key is used.
func (c *Client) Move(ctx context.Context, req ordering.MoveRequest) (ordering.MoveResult, error) {
	var out ordering.MoveResult
	header := http.Header{}
	key := req.IdempotencyKey
	if key == "" && c.NewKey != nil {
		key = c.NewKey()
	}
	if key != "" {
		header.Set("Idempotency-Key", key)
	}
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(req.TaskID)+"/move", req, header, &out)
	return out, err
}

// Delete removes a task.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil)
}

// Respace rewrites the keys of a scope.
func (c *Client) Respace(ctx context.Context, scopeKey string) ([]domain.Task, error) {
	var out scopeResponse
	if err := c.do(ctx, http.MethodPost, "/api/scopes/"+url.PathEscape(scopeKey)+"/respace", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var r io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er errorResponse
		if sonic.Unmarshal(data, &er) == nil && er.Code != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsConflict reports whether err is a version or idempotency conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

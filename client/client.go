// Package client provides a Go client for a remote escrow tracker: the
// HTTP API for transitions, dependencies and entities, and the live feed
// over WebSocket.
//
// Usage:
//
//	c := client.New("https://escrow.example.com",
//	    client.WithCallerID("svc-workflow"),
//	)
//
//	rec, err := c.RequestTransition(ctx, "contract", "CNT-1", api.TransitionRequest{
//	    NewStatus: "Complete",
//	})
//	if errors.Is(err, escrow.ErrBlocked) {
//	    // dependencies still unsatisfied
//	}
//
//	msgs, err := c.Watch(ctx, client.WatchOptions{EntityType: "task", EntityID: "TSK-1"})
//	for m := range msgs {
//	    fmt.Println(m.EntityID, m.CurrentStatus, m.IsBlocked)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/api"
	"github.com/xraph/escrow/backoff"
	"github.com/xraph/escrow/status"
)

// Client talks to a remote tracker.
type Client struct {
	baseURL  string
	http     *http.Client
	callerID string
	roles    []string
	format   string
	logger   *slog.Logger

	// Feed reconnection.
	reconnect  bool
	maxRetries int
	backoff    backoff.Strategy
}

// New creates a client for the tracker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		format:     "json",
		logger:     slog.Default(),
		maxRetries: 5,
		backoff:    backoff.NewExponential(time.Second, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx reply from the tracker. It matches the escrow
// sentinel error for its code.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("escrow/client: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the error code back to the escrow sentinel.
func (e *Error) Unwrap() error {
	switch e.Code {
	case api.CodeBlocked:
		return escrow.ErrBlocked
	case api.CodeInvalidEntityType:
		return escrow.ErrInvalidEntityType
	case api.CodeInvalidInput:
		return escrow.ErrInvalidInput
	case api.CodeForbidden:
		return escrow.ErrForbidden
	case api.CodeContention:
		return escrow.ErrContention
	case api.CodeNotFound:
		return escrow.ErrRecordNotFound
	default:
		return nil
	}
}

// ── Status ──────────────────────────────────────────

// RequestTransition asks the tracker to move an entity to a new status.
// A refusal because of unsatisfied dependencies matches escrow.ErrBlocked
// and carries the blocking reason as its message.
func (c *Client) RequestTransition(ctx context.Context, entityType, entityID string, req api.TransitionRequest) (*api.Record, error) {
	var rec api.Record
	if err := c.do(ctx, http.MethodPut, statusPath(entityType, entityID), req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord returns the full status record.
func (c *Client) GetRecord(ctx context.Context, entityType, entityID string) (*api.Record, error) {
	var rec api.Record
	if err := c.do(ctx, http.MethodGet, statusPath(entityType, entityID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetHistory returns the ordered status history, empty when untracked.
func (c *Client) GetHistory(ctx context.Context, entityType, entityID string) ([]status.Change, error) {
	var history []status.Change
	if err := c.do(ctx, http.MethodGet, statusPath(entityType, entityID)+"/history", nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// AddDependency adds or replaces an edge from the entity to a target.
func (c *Client) AddDependency(ctx context.Context, entityType, entityID string, dep api.DependencyRequest) (*api.Record, error) {
	var ack api.DependencyAck
	if err := c.do(ctx, http.MethodPost, statusPath(entityType, entityID)+"/dependencies", dep, &ack); err != nil {
		return nil, err
	}
	return ack.Record, nil
}

// RemoveDependency removes an edge. Removing a missing edge succeeds; the
// returned record is nil when the entity is not tracked.
func (c *Client) RemoveDependency(ctx context.Context, entityType, entityID, depType, depID string) (*api.Record, error) {
	path := statusPath(entityType, entityID) + "/dependencies/" + url.PathEscape(depType) + "/" + url.PathEscape(depID)
	var ack api.DependencyAck
	if err := c.do(ctx, http.MethodDelete, path, nil, &ack); err != nil {
		return nil, err
	}
	return ack.Record, nil
}

// ── Entities ────────────────────────────────────────

// SeedEntity creates or replaces an untracked entity's status.
func (c *Client) SeedEntity(ctx context.Context, entityType, entityID, initial string) (*api.Entity, error) {
	var e api.Entity
	if err := c.do(ctx, http.MethodPut, entityPath(entityType, entityID), api.EntityRequest{Status: initial}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntity returns the authoritative entity.
func (c *Client) GetEntity(ctx context.Context, entityType, entityID string) (*api.Entity, error) {
	var e api.Entity
	if err := c.do(ctx, http.MethodGet, entityPath(entityType, entityID), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEntity deletes an entity and every edge pointing at it.
func (c *Client) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	return c.do(ctx, http.MethodDelete, entityPath(entityType, entityID), nil, nil)
}

// Stats retrieves broker and feed statistics from the server.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var s api.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ── Transport ───────────────────────────────────────

func statusPath(entityType, entityID string) string {
	return "/v1/status/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
}

func entityPath(entityType, entityID string) string {
	return "/v1/entities/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("escrow/client: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("escrow/client: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setIdentity(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("escrow/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("escrow/client: decode response: %w", err)
	}
	return nil
}

func (c *Client) setIdentity(h http.Header) {
	if c.callerID != "" {
		h.Set(api.HeaderCallerID, c.callerID)
	}
	if len(c.roles) > 0 {
		h.Set(api.HeaderCallerRoles, strings.Join(c.roles, ","))
	}
}

func decodeError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode, RequestID: resp.Header.Get(api.HeaderRequestID)}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		e.Message = http.StatusText(resp.StatusCode)
		return e
	}
	e.Code = body.Error.Code
	e.Message = body.Error.Message
	if body.RequestID != "" {
		e.RequestID = body.RequestID
	}
	return e
}

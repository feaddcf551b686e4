// Package sessionapi is the HTTP client for the relay's session endpoints.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storysync/internal/wire"
)

// Identity headers carried on every request.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUsername = "X-Username"
)

// ErrNotFound is returned for unknown sessions and join codes.
var ErrNotFound = errors.New("sessionapi: not found")

// Error is a non-success response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sessionapi: %d %s", e.Status, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// CreateRequest is the body of a create call.
type CreateRequest struct {
	Title string      `json:"title"`
	Pages []wire.Page `json:"pages,omitempty"`
}

// JoinRequest is the body of a join call.
type JoinRequest struct {
	Code string `json:"code"`
}

// KickRequest is the body of a kick call.
type KickRequest struct {
	UserID string `json:"user_id"`
}

// Client talks to one relay as one user.
type Client struct {
	base     string
	userID   string
	username string
	http     *http.Client
}

// New returns a client for the relay at base, e.g. http://localhost:8081.
func New(base, userID, username string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), userID: userID, username: username, http: hc}
}

func (c *Client) CreateSession(ctx context.Context, draft wire.StoryDraft) (wire.Session, error) {
	var s wire.Session
	err := c.do(ctx, http.MethodPost, "/api/collaborate/sessions", CreateRequest{Title: draft.Title, Pages: draft.Pages}, &s)
	return s, err
}

func (c *Client) GetSession(ctx context.Context, id string) (wire.Session, error) {
	var s wire.Session
	err := c.do(ctx, http.MethodGet, "/api/collaborate/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

func (c *Client) StartSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/collaborate/sessions/"+url.PathEscape(id)+"/start", nil, nil)
}

func (c *Client) EndSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/collaborate/sessions/"+url.PathEscape(id)+"/end", nil, nil)
}

func (c *Client) JoinByCode(ctx context.Context, code string) (wire.Session, error) {
	var s wire.Session
	err := c.do(ctx, http.MethodPost, "/api/collaborate/join", JoinRequest{Code: strings.ToUpper(strings.TrimSpace(code))}, &s)
	return s, err
}

func (c *Client) KickParticipant(ctx context.Context, sessionID, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/collaborate/sessions/"+url.PathEscape(sessionID)+"/kick", KickRequest{UserID: userID}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderUserID, c.userID)
	if c.username != "" {
		req.Header.Set(HeaderUsername, c.username)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Package backend is the adapter for the remote tour backend: a
// query/insert/update verb set on named collections, the authenticated
// identity, the realtime endpoint, and the audit RPC. All failures
// leave this package as *Error values with a typed kind.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter is one equality or range condition on a collection field.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

func Eq(field string, value any) Filter  { return Filter{Field: field, Op: "eq", Value: value} }
func Gte(field string, value any) Filter { return Filter{Field: field, Op: "gte", Value: value} }
func Lte(field string, value any) Filter { return Filter{Field: field, Op: "lte", Value: value} }

// Query selects documents from a named collection.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Session is the authenticated identity for all calls.
type Session struct {
	UserID      string
	AccessToken string
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks JSON over HTTP to the backend. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	session *Session
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SetSession installs the authenticated identity. A nil session signs
// out.
func (c *Client) SetSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// CurrentUser returns the signed-in user's opaque identifier.
func (c *Client) CurrentUser() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return "", false
	}
	return c.session.UserID, true
}

// RealtimeURL is the websocket endpoint for the realtime channel.
func (c *Client) RealtimeURL() string {
	u := c.baseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/realtime"
}

// Query runs q and decodes the "data" array into dest.
func (c *Client) Query(ctx context.Context, q Query, dest any) error {
	return c.call(ctx, "query", http.MethodPost,
		fmt.Sprintf("/v1/collections/%s/query", q.Collection), q, dest)
}

// Insert writes doc into collection, decoding the stored document into
// dest when dest is non-nil.
func (c *Client) Insert(ctx context.Context, collection string, doc, dest any) error {
	return c.call(ctx, "insert", http.MethodPost,
		fmt.Sprintf("/v1/collections/%s", collection), doc, dest)
}

// Update applies patch to every document matching filters.
func (c *Client) Update(ctx context.Context, collection string, filters []Filter, patch any) error {
	body := struct {
		Filters []Filter `json:"filters"`
		Patch   any      `json:"patch"`
	}{Filters: filters, Patch: patch}
	return c.call(ctx, "update", http.MethodPatch,
		fmt.Sprintf("/v1/collections/%s", collection), body, nil)
}

// ValidationAttempt is the audit payload for one presence check.
type ValidationAttempt struct {
	UserID         string    `json:"userId"`
	StepID         string    `json:"stepId"`
	JourneyID      string    `json:"journeyId"`
	DistanceMeters float64   `json:"distanceMeters"`
	RadiusMeters   float64   `json:"radiusMeters"`
	Accepted       bool      `json:"accepted"`
	Outcome        string    `json:"outcome"`
	AttemptedAt    time.Time `json:"attemptedAt"`
}

// LogAttempt sends the audit write. Fire-and-forget: failures are
// logged and swallowed, never returned — an audit outage must not
// block validation.
func (c *Client) LogAttempt(ctx context.Context, a ValidationAttempt) {
	if err := c.call(ctx, "log_attempt", http.MethodPost, "/v1/rpc/log_validation_attempt", a, nil); err != nil {
		c.logger.Warn("audit write failed", "step_id", a.StepID, "error", err)
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *Client) call(ctx context.Context, op, method, path string, body, dest any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", op, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	c.mu.RLock()
	if c.session != nil {
		req.Header.Set("Authorization", "Bearer "+c.session.AccessToken)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Message: err.Error()}
	}

	var env envelope
	if len(raw) > 0 {
		// A non-JSON body (proxy error page) falls through with the
		// raw text as the message.
		if err := json.Unmarshal(raw, &env); err != nil {
			env.Error = strings.TrimSpace(string(raw))
		}
	}

	if resp.StatusCode >= 400 {
		return &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Op:      op,
			Status:  resp.StatusCode,
			Message: env.Error,
		}
	}

	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("decoding %s response: %w", op, err)
		}
	}
	return nil
}

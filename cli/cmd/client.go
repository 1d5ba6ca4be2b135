package cmd

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

	"github.com/ponyo877/spectragate/server/domain"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Category   string `json:"category"`
}

func (e *APIError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d, %s)", e.Message, e.StatusCode, e.Category)
}

type SessionConfig struct {
	Resolution     string `json:"resolution"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	BufferCapacity int    `json:"buffer_capacity"`
	Recording      bool   `json:"recording"`
}

type CreatedSession struct {
	SessionID string        `json:"session_id"`
	StreamURL string        `json:"stream_url"`
	Config    SessionConfig `json:"config"`
	CreatedAt int64         `json:"created_at"`
}

// Session is either an open session snapshot or, when State is "closed", the
// reason a recently closed session ended.
type Session struct {
	SessionID    string                 `json:"session_id"`
	State        string                 `json:"state"`
	StreamURL    string                 `json:"stream_url"`
	Connected    bool                   `json:"connected"`
	CreatedAt    int64                  `json:"created_at"`
	Config       SessionConfig          `json:"config"`
	AdapterState string                 `json:"adapter_state"`
	Status       string                 `json:"status"`
	Recording    bool                   `json:"recording"`
	Buffer       domain.BufferStats     `json:"buffer"`
	Telemetry    domain.Telemetry       `json:"telemetry"`
	Counters     domain.SessionCounters `json:"counters"`
	Reason       string                 `json:"reason"`
	ClosedAt     int64                  `json:"closed_at"`
}

type SessionList struct {
	Sessions    []Session `json:"sessions"`
	Count       int       `json:"count"`
	MaxSessions int       `json:"max_sessions"`
}

type HistoryEntry struct {
	SessionID      string `json:"session_id"`
	Resolution     string `json:"resolution"`
	CreatedAt      int64  `json:"created_at"`
	ConnectedAt    *int64 `json:"connected_at"`
	ClosedAt       *int64 `json:"closed_at"`
	CloseReason    string `json:"close_reason"`
	FramesReceived uint64 `json:"frames_received"`
	MetricsSent    uint64 `json:"metrics_sent"`
}

type History struct {
	Sessions []HistoryEntry `json:"sessions"`
	Count    int            `json:"count"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Sessions  int    `json:"sessions"`
}

type CreateOptions struct {
	Resolution     string `json:"resolution,omitempty"`
	BufferCapacity int    `json:"buffer_capacity,omitempty"`
	Recording      bool   `json:"recording,omitempty"`
}

// Client talks to the spectragate control plane.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient accepts "host:port" or a full http(s) URL.
func NewClient(server string) *Client {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return &Client{
		baseURL: strings.TrimRight(server, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateSession(ctx context.Context, opts CreateOptions) (CreatedSession, error) {
	var out CreatedSession
	body := map[string]CreateOptions{"config": opts}
	err := c.do(ctx, http.MethodPost, "/sessions", body, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) (SessionList, error) {
	var out SessionList
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SetRecording(ctx context.Context, id string, on bool) error {
	body := map[string]bool{"recording": on}
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(id)+"/recording", body, nil)
}

// History returns the server's session ledger, newest first. limit 0 uses
// the server default.
func (c *Client) History(ctx context.Context, limit int) (History, error) {
	var out History
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// StreamURL is the websocket endpoint of session id on this server.
func (c *Client) StreamURL(id string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/streams/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		return apiErr
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

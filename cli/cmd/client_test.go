package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewClientNormalizesAddress(t *testing.T) {
	tests := []struct {
		server string
		base   string
		stream string
	}{
		{"localhost:8080", "http://localhost:8080", "ws://localhost:8080/streams/abc"},
		{"http://localhost:8080/", "http://localhost:8080", "ws://localhost:8080/streams/abc"},
		{"https://api.example.com", "https://api.example.com", "wss://api.example.com/streams/abc"},
	}
	for _, tt := range tests {
		c := NewClient(tt.server)
		if c.baseURL != tt.base {
			t.Errorf("NewClient(%q) base = %q, want %q", tt.server, c.baseURL, tt.base)
		}
		if got := c.StreamURL("abc"); got != tt.stream {
			t.Errorf("StreamURL for %q = %q, want %q", tt.server, got, tt.stream)
		}
	}
}

func TestClientRequests(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, "create "+body["config"]["resolution"].(string))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": "s1",
			"stream_url": "ws://localhost/streams/s1",
			"config":     map[string]any{"resolution": "480p", "width": 640, "height": 480, "buffer_capacity": 30},
			"created_at": 1700000000,
		})
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sessions":     []any{map[string]any{"session_id": "s1", "state": "open", "connected": true, "counters": map[string]any{"frames_received": 4}}},
			"count":        1,
			"max_sessions": 100,
		})
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "gone" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "Session not found", "category": "not_found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"session_id": "gone", "state": "closed", "reason": "Session deleted", "closed_at": 1700000100})
	})
	mux.HandleFunc("PUT /sessions/{id}/recording", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen = append(seen, "record "+r.PathValue("id"))
		mu.Unlock()
		if !body["recording"] {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "version": "1.0.0", "sessions": 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL)

	created, err := c.CreateSession(ctx, CreateOptions{Resolution: "480p"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.SessionID != "s1" || created.Config.Width != 640 || created.Config.BufferCapacity != 30 {
		t.Errorf("unexpected create response %+v", created)
	}

	list, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if list.Count != 1 || !list.Sessions[0].Connected || list.Sessions[0].Counters.FramesReceived != 4 {
		t.Errorf("unexpected list %+v", list)
	}

	closed, err := c.GetSession(ctx, "gone")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if closed.State != "closed" || closed.Reason != "Session deleted" {
		t.Errorf("unexpected closed session %+v", closed)
	}

	_, err = c.GetSession(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Category != "not_found" {
		t.Fatalf("expected not found APIError, got %v", err)
	}
	if !strings.Contains(apiErr.Error(), "Session not found") {
		t.Errorf("unexpected error text %q", apiErr.Error())
	}

	if err := c.SetRecording(ctx, "s1", true); err != nil {
		t.Errorf("SetRecording: %v", err)
	}
	// an error status without a body still yields an APIError
	err = c.SetRecording(ctx, "s1", false)
	if !errors.As(err, &apiErr) || apiErr.Message != "Bad Request" {
		t.Errorf("expected bad request APIError, got %v", err)
	}
	if err := c.DeleteSession(ctx, "s1"); err != nil {
		t.Errorf("DeleteSession: %v", err)
	}

	health, err := c.Health(ctx)
	if err != nil || health.Status != "healthy" || health.Sessions != 1 {
		t.Errorf("unexpected health %+v %v", health, err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"create 480p", "record s1", "record s1"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", seen, want)
	}
}

func writeFrames(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCollectFrames(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "b.png", "a.JPG", "notes.txt", "c.webp")
	if err := os.Mkdir(filepath.Join(dir, "nested.png"), 0o700); err != nil {
		t.Fatal(err)
	}
	extra := filepath.Join(t.TempDir(), "frame.raw")
	writeFrames(t, filepath.Dir(extra), "frame.raw")

	files, err := collectFrames([]string{dir, extra})
	if err != nil {
		t.Fatalf("collectFrames: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.JPG"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "c.webp"),
		extra,
	}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("files = %v, want %v", files, want)
	}

	if _, err := collectFrames([]string{t.TempDir()}); err == nil {
		t.Error("expected error for a directory without images")
	}
	if _, err := collectFrames([]string{filepath.Join(dir, "missing.png")}); err == nil {
		t.Error("expected error for a missing file")
	}
}

// frameServer answers every binary frame with a metrics message and closes
// the stream with a reason once it has seen want frames.
func frameServer(t *testing.T, want int, reason string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for n := 1; ; n++ {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			reply := `{"type":"metrics","timestamp":1,"session_id":"s1","metrics":{"frame":"` + string(data) + `"}}`
			if err := ws.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
			if n == want {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				// drain until the client answers the close
				for {
					if _, _, err := ws.ReadMessage(); err != nil {
						return
					}
				}
			}
		}
	}))
}

func TestStreamFramesServerClose(t *testing.T) {
	srv := frameServer(t, 3, "Session deleted")
	defer srv.Close()
	dir := t.TempDir()
	writeFrames(t, dir, "1.png", "2.png", "3.png")
	files, err := collectFrames([]string{dir})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []string
	sent := 0
	reason, err := streamFrames(context.Background(), NewClient(srv.URL).StreamURL("s1"), files, streamOptions{
		fps:    100,
		linger: 5 * time.Second,
		onMessage: func(msg []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg))
		},
		onSent: func(n int, path string) { sent = n },
	})
	if err != nil {
		t.Fatalf("streamFrames: %v", err)
	}
	if reason != "Session deleted" {
		t.Errorf("reason = %q", reason)
	}
	if sent != 3 {
		t.Errorf("sent = %d", sent)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || !strings.Contains(got[2], `"frame":"3.png"`) {
		t.Errorf("unexpected messages %v", got)
	}
}

func TestStreamFramesLinger(t *testing.T) {
	srv := frameServer(t, 0, "")
	defer srv.Close()
	dir := t.TempDir()
	writeFrames(t, dir, "1.png")

	start := time.Now()
	reason, err := streamFrames(context.Background(), NewClient(srv.URL).StreamURL("s1"), []string{filepath.Join(dir, "1.png")}, streamOptions{
		fps:    10,
		linger: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("streamFrames: %v", err)
	}
	if reason != "" {
		t.Errorf("unexpected reason %q", reason)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before the linger period")
	}
}

func TestStreamFramesRejectsBadRate(t *testing.T) {
	if _, err := streamFrames(context.Background(), "ws://127.0.0.1:1/streams/x", nil, streamOptions{fps: 0}); err == nil {
		t.Error("expected error for zero fps")
	}
}

func TestDashboardApply(t *testing.T) {
	d := &dashboard{sessionID: "s1", total: 2}

	line := d.apply([]byte(`{"type":"status","timestamp":1500000,"status":"OK"}`))
	if !strings.Contains(line, "status OK") || d.status != "OK" {
		t.Errorf("status not applied: %q %+v", line, d)
	}

	line = d.apply([]byte(`{"type":"metrics","timestamp":2000000,"metrics":{"pulse":{"rate":[{"value":60},{"value":72.5}]},"breathing":{"strict":{"value":14}}}}`))
	if d.pulse != 72.5 || d.breathing != 14 {
		t.Errorf("rates not applied: %+v", d)
	}
	if !strings.Contains(line, "pulse 72.5") || !strings.Contains(line, "breathing 14.0") {
		t.Errorf("unexpected metrics line %q", line)
	}

	d.apply([]byte(`{"type":"telemetry","timestamp":3,"fps":29.5,"latency_s":0.04}`))
	if d.fps != 29.5 || d.latency != 0.04 {
		t.Errorf("telemetry not applied: %+v", d)
	}

	if line := d.apply([]byte("not json")); !strings.Contains(line, "unreadable") {
		t.Errorf("unexpected line for bad input %q", line)
	}

	view := d.render()
	if !strings.Contains(view, "72.5") || !strings.Contains(view, "0/2 sent") {
		t.Errorf("unexpected render %q", view)
	}
}

func TestClientHistory(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []any{
				map[string]any{"session_id": "b", "resolution": "720p", "created_at": 2},
				map[string]any{"session_id": "a", "resolution": "480p", "created_at": 1, "closed_at": 3, "close_reason": "Session timed out"},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL).History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if query != "limit=10" {
		t.Errorf("query = %q", query)
	}
	if h.Count != 2 || h.Sessions[0].ClosedAt != nil || h.Sessions[1].ClosedAt == nil || *h.Sessions[1].ClosedAt != 3 {
		t.Errorf("unexpected history %+v", h)
	}
}

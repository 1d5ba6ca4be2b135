package adaptor_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ponyo877/spectragate/server/adaptor"
	"github.com/ponyo877/spectragate/server/domain"
	"github.com/ponyo877/spectragate/server/engine"
	"github.com/ponyo877/spectragate/server/repository"
	"github.com/ponyo877/spectragate/server/usecase"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, maxSessions int) *httptest.Server {
	t.Helper()
	factory, err := engine.NewFactory(engine.Config{Kind: engine.KindReplay, BatchEvery: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	tombstones, err := usecase.NewTombstones(8)
	if err != nil {
		t.Fatalf("tombstones: %v", err)
	}
	db, err := repository.Open(":memory:")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repository.NewRepository(db)

	registry := domain.NewSessionRegistry(maxSessions, factory, domain.NewContinuousRestSettings("test-key"), zerolog.Nop())
	sessions := usecase.NewSessionUsecase(registry, repo, tombstones,
		usecase.SessionOptions{PublicHost: "localhost", Port: 8080, DefaultCapacity: 30}, zerolog.Nop())
	streams := usecase.NewStreamUsecase(registry, repo, tombstones, nil, false, zerolog.Nop())

	srv := httptest.NewServer(adaptor.NewAdaptor(sessions, streams, adaptor.Options{}, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		registry.CloseAll("test done")
		srv.Close()
	})
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp, out
}

func createSession(t *testing.T, srv *httptest.Server, body string) string {
	t.Helper()
	resp, out := do(t, http.MethodPost, srv.URL+"/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %v", resp.StatusCode, out)
	}
	return out["session_id"].(string)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestCreateSession(t *testing.T) {
	srv := newTestServer(t, 2)

	resp, out := do(t, http.MethodPost, srv.URL+"/sessions", `{"config":{"resolution":"1080p","buffer_capacity":10}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	id := out["session_id"].(string)
	if out["stream_url"] != "ws://localhost:8080/streams/"+id {
		t.Errorf("unexpected stream url %v", out["stream_url"])
	}
	cfg := out["config"].(map[string]any)
	if cfg["resolution"] != "1080p" || cfg["width"] != 1920.0 || cfg["height"] != 1080.0 || cfg["buffer_capacity"] != 10.0 {
		t.Errorf("unexpected config %v", cfg)
	}
	if created := int64(out["created_at"].(float64)); time.Since(time.Unix(created, 0)) > time.Minute {
		t.Errorf("created_at not in unix seconds: %d", created)
	}

	// empty body uses the defaults
	resp, out = do(t, http.MethodPost, srv.URL+"/sessions", "")
	if resp.StatusCode != http.StatusCreated || out["config"].(map[string]any)["resolution"] != "720p" {
		t.Errorf("default create: %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/sessions", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at the limit, got %d", resp.StatusCode)
	}
	if out["error"] != "Maximum number of sessions reached" || out["max_sessions"] != 2.0 || out["category"] != "resource_exhausted" {
		t.Errorf("unexpected error body %v", out)
	}
}

func TestCreateSessionInvalidJSON(t *testing.T) {
	srv := newTestServer(t, 2)
	resp, out := do(t, http.MethodPost, srv.URL+"/sessions", `{"config":`)
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "Invalid JSON in request body" {
		t.Errorf("expected 400, got %d %v", resp.StatusCode, out)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, 4)
	id := createSession(t, srv, "")

	resp, out := do(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
	if resp.StatusCode != http.StatusOK || out["state"] != "open" || out["connected"] != false {
		t.Errorf("unexpected snapshot %d %v", resp.StatusCode, out)
	}
	if out["status"] != "PROCESSING_NOT_STARTED" || out["adapter_state"] != "uninitialized" {
		t.Errorf("unexpected engine state %v", out)
	}

	resp, out = do(t, http.MethodGet, srv.URL+"/sessions", "")
	if resp.StatusCode != http.StatusOK || out["count"] != 1.0 || out["max_sessions"] != 4.0 {
		t.Errorf("unexpected list %v", out)
	}

	resp, _ = do(t, http.MethodPut, srv.URL+"/sessions/"+id+"/recording", `{"recording":true}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("recording: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPut, srv.URL+"/sessions/"+id+"/recording", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("recording without flag: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPut, srv.URL+"/sessions/nope/recording", `{"recording":true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("recording on unknown session: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/sessions/"+id, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp, out = do(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
	if resp.StatusCode != http.StatusOK || out["state"] != "closed" || out["reason"] != usecase.ReasonSessionDeleted {
		t.Errorf("expected closed tombstone, got %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodDelete, srv.URL+"/sessions/"+id, "")
	if resp.StatusCode != http.StatusNotFound || out["error"] != "Session not found" || out["session_id"] != id {
		t.Errorf("second delete: %d %v", resp.StatusCode, out)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/sessions/never-existed", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	srv := newTestServer(t, 4)
	first := createSession(t, srv, `{"config":{"resolution":"480p"}}`)
	second := createSession(t, srv, "")
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/sessions/"+first, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp, out := do(t, http.MethodGet, srv.URL+"/history", "")
	if resp.StatusCode != http.StatusOK || out["count"] != float64(2) {
		t.Fatalf("history: status %d: %v", resp.StatusCode, out)
	}
	entries := out["sessions"].([]any)
	newest := entries[0].(map[string]any)
	oldest := entries[1].(map[string]any)
	if newest["session_id"] != second || newest["resolution"] != "720p" {
		t.Errorf("unexpected newest entry %v", newest)
	}
	if _, ok := newest["closed_at"]; ok {
		t.Errorf("open session has closed_at: %v", newest)
	}
	if oldest["session_id"] != first || oldest["close_reason"] != "Session deleted" || oldest["closed_at"] == nil {
		t.Errorf("unexpected oldest entry %v", oldest)
	}

	_, out = do(t, http.MethodGet, srv.URL+"/history?limit=1", "")
	if out["count"] != float64(1) {
		t.Errorf("limit not applied: %v", out)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/history?limit=many", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", resp.StatusCode)
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(t, 4)

	resp, out := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "healthy" || out["version"] != adaptor.Version || out["sessions"] != 0.0 {
		t.Errorf("unexpected health %d %v", resp.StatusCode, out)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("missing CORS origin header, got %q", got)
	}

	resp, _ = do(t, http.MethodOptions, srv.URL+"/sessions", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("unexpected methods header %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
		t.Errorf("unexpected headers header %q", got)
	}
}

func dialStream(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/" + id
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestStreamRoundTrip(t *testing.T) {
	srv := newTestServer(t, 4)
	id := createSession(t, srv, "")
	ws := dialStream(t, srv, id)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("garbage")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	frame := pngBytes(t)
	for i := 0; i < 3; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	seen := map[string]int{}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for seen["metrics"] < 3 {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg["session_id"] != id {
			t.Errorf("message for wrong session: %v", msg)
		}
		seen[msg["type"].(string)]++
	}
	if seen["status"] != 1 {
		t.Errorf("expected one status transition, saw %v", seen)
	}

	_, out := do(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
	if out["connected"] != true || out["adapter_state"] != "running" {
		t.Errorf("unexpected streaming snapshot %v", out)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("close: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, out = do(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
		if out["state"] == "closed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not torn down after close: %v", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if out["reason"] != usecase.ReasonConnectionClosed {
		t.Errorf("unexpected close reason %v", out["reason"])
	}
}

func TestStreamUnknownSession(t *testing.T) {
	srv := newTestServer(t, 4)
	ws := dialStream(t, srv, "missing")

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a close frame, got %v", err)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != usecase.ReasonSessionNotFound {
		t.Errorf("unexpected close %d %q", ce.Code, ce.Text)
	}
}

func TestStreamDeletedWhileConnected(t *testing.T) {
	srv := newTestServer(t, 4)
	id := createSession(t, srv, "")
	ws := dialStream(t, srv, id)

	// wait until the stream is attached before deleting
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, out := do(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
		if out["connected"] == true {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ := do(t, http.MethodDelete, srv.URL+"/sessions/"+id, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Text != usecase.ReasonSessionDeleted {
			t.Errorf("expected close with %q, got %v", usecase.ReasonSessionDeleted, err)
		}
		return
	}
}

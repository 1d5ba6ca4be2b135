package adaptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ponyo877/spectragate/server/domain"
)

type createSessionRequest struct {
	Config *struct {
		Resolution     string `json:"resolution"`
		BufferCapacity int    `json:"buffer_capacity"`
		Recording      bool   `json:"recording"`
	} `json:"config"`
}

type recordingRequest struct {
	Recording *bool `json:"recording"`
}

type sessionConfigJSON struct {
	Resolution     string `json:"resolution"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	BufferCapacity int    `json:"buffer_capacity"`
	Recording      bool   `json:"recording"`
}

type createSessionResponse struct {
	SessionID string            `json:"session_id"`
	StreamURL string            `json:"stream_url"`
	Config    sessionConfigJSON `json:"config"`
	CreatedAt int64             `json:"created_at"`
}

type sessionJSON struct {
	SessionID    string                 `json:"session_id"`
	State        string                 `json:"state"`
	StreamURL    string                 `json:"stream_url"`
	Connected    bool                   `json:"connected"`
	CreatedAt    int64                  `json:"created_at"`
	Config       sessionConfigJSON      `json:"config"`
	AdapterState string                 `json:"adapter_state"`
	Status       string                 `json:"status"`
	Recording    bool                   `json:"recording"`
	Buffer       domain.BufferStats     `json:"buffer"`
	Telemetry    domain.Telemetry       `json:"telemetry"`
	Counters     domain.SessionCounters `json:"counters"`
}

type closedSessionJSON struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
	ClosedAt  int64  `json:"closed_at"`
}

type listSessionsResponse struct {
	Sessions    []sessionJSON `json:"sessions"`
	Count       int           `json:"count"`
	MaxSessions int           `json:"max_sessions"`
}

type historyEntryJSON struct {
	SessionID      string `json:"session_id"`
	Resolution     string `json:"resolution"`
	CreatedAt      int64  `json:"created_at"`
	ConnectedAt    *int64 `json:"connected_at,omitempty"`
	ClosedAt       *int64 `json:"closed_at,omitempty"`
	CloseReason    string `json:"close_reason,omitempty"`
	FramesReceived uint64 `json:"frames_received"`
	MetricsSent    uint64 `json:"metrics_sent"`
}

type historyResponse struct {
	Sessions []historyEntryJSON `json:"sessions"`
	Count    int                `json:"count"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Sessions  int    `json:"sessions"`
}

func (a *Adaptor) createSession(w http.ResponseWriter, r *http.Request) {
	var in createSessionRequest
	if err := decodeBody(r, &in, true); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid JSON in request body", "invalid_request", nil)
		return
	}
	var req domain.SessionRequest
	if in.Config != nil {
		req = domain.NewSessionRequest(in.Config.Resolution, in.Config.BufferCapacity, in.Config.Recording)
	}

	snap, err := a.sessions.CreateSession(req)
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			a.writeError(w, http.StatusServiceUnavailable, "Maximum number of sessions reached",
				domain.ErrorCategory(err), map[string]any{"max_sessions": a.sessions.MaxSessions()})
			return
		}
		a.logger.Error().Err(err).Msg("failed to create session")
		a.writeError(w, statusFor(err), "Failed to create session", domain.ErrorCategory(err), nil)
		return
	}

	a.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: snap.ID,
		StreamURL: a.sessions.StreamURL(snap.ID),
		Config:    toConfigJSON(snap.Config),
		CreatedAt: snap.CreatedAt.Unix(),
	})
}

func (a *Adaptor) listSessions(w http.ResponseWriter, r *http.Request) {
	snaps := a.sessions.ListSessions()
	out := listSessionsResponse{
		Sessions:    make([]sessionJSON, 0, len(snaps)),
		Count:       len(snaps),
		MaxSessions: a.sessions.MaxSessions(),
	}
	for _, snap := range snaps {
		out.Sessions = append(out.Sessions, a.toSessionJSON(snap))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *Adaptor) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := a.sessions.GetSession(id)
	if err == nil {
		a.writeJSON(w, http.StatusOK, a.toSessionJSON(snap))
		return
	}
	if closed, ok := a.sessions.ClosedSession(id); ok {
		a.writeJSON(w, http.StatusOK, closedSessionJSON{
			SessionID: closed.ID,
			State:     "closed",
			Reason:    closed.Reason,
			ClosedAt:  closed.ClosedAt.Unix(),
		})
		return
	}
	a.writeSessionError(w, id, err)
}

func (a *Adaptor) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.DeleteSession(id); err != nil {
		a.writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adaptor) setRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in recordingRequest
	if err := decodeBody(r, &in, false); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid JSON in request body", "invalid_request", nil)
		return
	}
	if in.Recording == nil {
		a.writeError(w, http.StatusBadRequest, "Missing recording flag", "invalid_request", nil)
		return
	}
	if err := a.sessions.SetRecording(id, *in.Recording); err != nil {
		a.writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adaptor) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, http.StatusBadRequest, "Invalid limit", "invalid_request", nil)
			return
		}
		limit = n
	}
	records, err := a.sessions.History(limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to read session history")
		a.writeError(w, statusFor(err), "Failed to read session history", domain.ErrorCategory(err), nil)
		return
	}
	out := historyResponse{Sessions: make([]historyEntryJSON, 0, len(records)), Count: len(records)}
	for _, rec := range records {
		out.Sessions = append(out.Sessions, historyEntryJSON{
			SessionID:      rec.ID,
			Resolution:     rec.Resolution,
			CreatedAt:      rec.CreatedAt.Unix(),
			ConnectedAt:    unixOrNil(rec.ConnectedAt),
			ClosedAt:       unixOrNil(rec.ClosedAt),
			CloseReason:    rec.CloseReason,
			FramesReceived: rec.FramesReceived,
			MetricsSent:    rec.MetricsSent,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func (a *Adaptor) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: a.now().Unix(),
		Version:   Version,
		Sessions:  a.sessions.SessionCount(),
	})
}

func (a *Adaptor) toSessionJSON(snap domain.SessionSnapshot) sessionJSON {
	return sessionJSON{
		SessionID:    snap.ID,
		State:        "open",
		StreamURL:    a.sessions.StreamURL(snap.ID),
		Connected:    snap.Connected,
		CreatedAt:    snap.CreatedAt.Unix(),
		Config:       toConfigJSON(snap.Config),
		AdapterState: snap.AdapterState.String(),
		Status:       snap.Status.String(),
		Recording:    snap.Recording,
		Buffer:       snap.Buffer,
		Telemetry:    snap.Telemetry,
		Counters:     snap.Counters,
	}
}

func toConfigJSON(cfg domain.SessionConfig) sessionConfigJSON {
	return sessionConfigJSON{
		Resolution:     cfg.Resolution.Name,
		Width:          cfg.Resolution.Width,
		Height:         cfg.Resolution.Height,
		BufferCapacity: cfg.BufferCapacity,
		Recording:      cfg.Recording,
	}
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if optional {
			return nil
		}
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(body, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrFailedPrecondition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *Adaptor) writeSessionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Session not found", domain.ErrorCategory(err), map[string]any{"session_id": id})
		return
	}
	a.logger.Error().Err(err).Str("session_id", id).Msg("session request failed")
	a.writeError(w, statusFor(err), err.Error(), domain.ErrorCategory(err), map[string]any{"session_id": id})
}

func (a *Adaptor) writeError(w http.ResponseWriter, status int, message, category string, extra map[string]any) {
	body := map[string]any{"error": message, "category": category}
	for k, v := range extra {
		body[k] = v
	}
	a.writeJSON(w, status, body)
}

func (a *Adaptor) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn().Err(err).Msg("failed to write response")
	}
}

package domain

import (
	"encoding/json"
	"fmt"
)

type StreamMessageType int

const (
	MessageMetrics StreamMessageType = iota
	MessageStatus
	MessageTelemetry
)

func (t StreamMessageType) String() string {
	switch t {
	case MessageMetrics:
		return "metrics"
	case MessageStatus:
		return "status"
	case MessageTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// StreamMessage is one outbound message on a session's stream.
type StreamMessage struct {
	Type            StreamMessageType
	SessionID       string
	TimestampMicros int64
	Metrics         MetricsBatch
	Status          StatusCode
	Telemetry       Telemetry
}

func NewMetricsMessage(sessionID string, batch MetricsBatch, timestampMicros int64) StreamMessage {
	return StreamMessage{
		Type:            MessageMetrics,
		SessionID:       sessionID,
		TimestampMicros: timestampMicros,
		Metrics:         batch,
	}
}

func NewStatusMessage(sessionID string, code StatusCode, timestampMicros int64) StreamMessage {
	return StreamMessage{
		Type:            MessageStatus,
		SessionID:       sessionID,
		TimestampMicros: timestampMicros,
		Status:          code,
	}
}

func NewTelemetryMessage(sessionID string, t Telemetry) StreamMessage {
	return StreamMessage{
		Type:            MessageTelemetry,
		SessionID:       sessionID,
		TimestampMicros: t.TimestampMicros,
		Telemetry:       t,
	}
}

type streamMessageJSON struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Status    string          `json:"status,omitempty"`
	FPS       *float64        `json:"fps,omitempty"`
	Latency   *float64        `json:"latency_s,omitempty"`
}

func (m StreamMessage) JSON() ([]byte, error) {
	out := streamMessageJSON{
		Type:      m.Type.String(),
		Timestamp: m.TimestampMicros,
		SessionID: m.SessionID,
	}
	switch m.Type {
	case MessageMetrics:
		metrics, err := m.Metrics.JSON()
		if err != nil {
			return nil, fmt.Errorf("error encoding metrics: %w", err)
		}
		out.Metrics = metrics
	case MessageStatus:
		out.Status = m.Status.String()
	case MessageTelemetry:
		fps, latency := m.Telemetry.FPS, m.Telemetry.LatencySeconds
		out.FPS = &fps
		out.Latency = &latency
	}
	return json.Marshal(out)
}

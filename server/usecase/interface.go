package usecase

import (
	"time"

	"github.com/ponyo877/spectragate/server/domain"
)

type Repository interface {
	// Session ledger
	CreateSession(record domain.SessionRecord) error
	MarkConnected(id string, at time.Time) error
	CloseSession(id, reason string, at time.Time, framesReceived, metricsSent uint64) error
	ListSessions(limit int) ([]domain.SessionRecord, error)
}

// MetricsMirror receives a copy of every metrics message sent to a client.
type MetricsMirror interface {
	Publish(sessionID string, payload []byte) error
}

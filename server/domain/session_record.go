package domain

import "time"

// SessionRecord is the ledger entry of one session. ConnectedAt and ClosedAt
// are nil until the session streams or ends.
type SessionRecord struct {
	ID             string
	Resolution     string
	CreatedAt      time.Time
	ConnectedAt    *time.Time
	ClosedAt       *time.Time
	CloseReason    string
	FramesReceived uint64
	MetricsSent    uint64
}

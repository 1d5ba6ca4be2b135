package adaptor

import "github.com/ponyo877/spectragate/server/domain"

type SessionUsecase interface {
	CreateSession(req domain.SessionRequest) (domain.SessionSnapshot, error)
	DeleteSession(id string) error
	GetSession(id string) (domain.SessionSnapshot, error)
	ClosedSession(id string) (domain.ClosedSession, bool)
	ListSessions() []domain.SessionSnapshot
	SetRecording(id string, on bool) error
	History(limit int) ([]domain.SessionRecord, error)
	StreamURL(id string) string
	MaxSessions() int
	SessionCount() int
}

type StreamUsecase interface {
	OpenStream(id string, conn domain.Conn) error
	HandleMessage(id string, binary bool, data []byte)
	CloseStream(id string, conn domain.Conn)
}
